package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hitoshi/swipeledger/internal/subscription"
)

const dedupeKeyPrefix = "webhook:event:"

// RedisDeduper は処理済みのWebhookイベントIDをRedisに記録して重複配信を検出する。
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient はURLからRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisDeduper はRedisDeduperを生成する。
// ttlはプロバイダの再送期間より長くすること。
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

// Seen はイベントIDが処理済みとして記録されているかどうかを返す。
func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupeKeyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed はイベントIDを処理済みとしてttlの間記録する。
func (d *RedisDeduper) MarkProcessed(ctx context.Context, eventID string) error {
	if err := d.client.Set(ctx, dedupeKeyPrefix+eventID, time.Now().Unix(), d.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// compile-time interface check
var _ subscription.Deduper = (*RedisDeduper)(nil)
