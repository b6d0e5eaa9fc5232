package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate  rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst int           // API全般のバーストサイズ
	MaxEntries   int           // 保持するリミッターの最大数
	EntryTTL     time.Duration // 最終アクセスからリミッターを破棄するまでの時間
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/caller。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:  rate.Limit(120.0 / 60.0), // 2 req/sec
		GeneralBurst: 120,
		MaxEntries:   10000,
		EntryTTL:     10 * time.Minute,
	}
}

// RateLimiter は呼び出し元ごとのトークンバケットを管理する。
// リミッターは期限付きLRUに保持し、一定時間アクセスのないエントリは自動的に破棄される。
type RateLimiter struct {
	config   RateLimiterConfig
	mu       sync.Mutex
	limiters *lru.LRU[string, *rate.Limiter]
}

// NewRateLimiter は新しいRateLimiterを生成する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultRateLimiterConfig().MaxEntries
	}
	return &RateLimiter{
		config:   config,
		limiters: lru.NewLRU[string, *rate.Limiter](config.MaxEntries, nil, config.EntryTTL),
	}
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// 主体がコンテキストにあればそれを、なければ接続元アドレスをキーとする。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := callerKey(r)

			if !rl.limiter(key).Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("caller", key),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在保持しているリミッターの数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	return rl.limiters.Len()
}

// limiter は呼び出し元のリミッターを取得または作成する。
// Getで期限が延長されないため、取得後にAddし直してTTLを更新する。
func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)
	}
	rl.limiters.Add(key, l)
	return l
}

func callerKey(r *http.Request) string {
	if id, err := IdentityFromContext(r.Context()); err == nil {
		return id.String()
	}
	if addr := ClientAddressFromContext(r.Context()); !addr.IsZero() {
		return addr.String()
	}
	return "remote:" + r.RemoteAddr
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
