// Package usage は主体ごとの利用カウンタと日次リセットを管理する。
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/swipeledger/internal/metrics"
	"github.com/hitoshi/swipeledger/internal/model"
	"github.com/hitoshi/swipeledger/internal/repository"
)

// LedgerConfig はLedgerの設定を保持する。
type LedgerConfig struct {
	// Location は日次リセットの基準となるタイムゾーン。
	Location *time.Location
	// StoreTimeout はストア呼び出し1回あたりのタイムアウト。
	StoreTimeout time.Duration
	// Clock は現在時刻の取得に使う。nilの場合はtime.Now。
	Clock func() time.Time
}

// Ledger は利用カウンタの読み取り・リセット・加算を提供する。
type Ledger struct {
	repo    repository.UsageRepository
	metrics metrics.MetricsCollector
	config  LedgerConfig
	now     func() time.Time
}

// NewLedger はLedgerを生成する。
// metricsCollectorがnilの場合はメトリクスを記録しない。
func NewLedger(repo repository.UsageRepository, metricsCollector metrics.MetricsCollector, config LedgerConfig) *Ledger {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		repo:    repo,
		metrics: metricsCollector,
		config:  config,
		now:     now,
	}
}

// Location は日次リセットの基準タイムゾーンを返す。
func (l *Ledger) Location() *time.Location {
	return l.config.Location
}

// GetOrCreate はレコードを取得し、存在しなければゼロ値で作成する。
func (l *Ledger) GetOrCreate(ctx context.Context, id model.Identity) (*model.UsageRecord, error) {
	ctx, cancel := l.storeContext(ctx)
	defer cancel()

	rec, err := l.repo.GetOrCreate(ctx, id)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}
	return rec, nil
}

// CheckAndReset は基準タイムゾーンの当日0時より前にリセットされたレコードをリセットする。
// 0より大きい旧daily_usageは前日の日付で履歴に記録される。
// リセットした場合はtrueを返す。加算や上限判定の前に必ず呼び出すこと。
func (l *Ledger) CheckAndReset(ctx context.Context, id model.Identity) (bool, error) {
	if _, err := l.GetOrCreate(ctx, id); err != nil {
		return false, err
	}

	now := l.now()
	midnight := LocalMidnight(now, l.config.Location)

	ctx, cancel := l.storeContext(ctx)
	defer cancel()

	reset, err := l.repo.ResetIfStale(ctx, id, midnight, now, PreviousDayKey(now, l.config.Location))
	if err != nil {
		return false, model.WrapUpstream("store", err)
	}

	if reset {
		l.metrics.RecordUsageReset(string(id.Kind))
		slog.Debug("daily usage reset",
			slog.String("identity_kind", string(id.Kind)),
			slog.Time("midnight", midnight),
		)
	}
	return reset, nil
}

// Increment はリセット判定の後にカウンタを1加算し、更新後のレコードを返す。
// ストアのエラーは必ず呼び出し元に返す。
func (l *Ledger) Increment(ctx context.Context, id model.Identity) (*model.UsageRecord, error) {
	if _, err := l.CheckAndReset(ctx, id); err != nil {
		return nil, err
	}

	now := l.now()

	ctx, cancel := l.storeContext(ctx)
	defer cancel()

	rec, err := l.repo.Increment(ctx, id, now, DayKey(now, l.config.Location))
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}

	l.metrics.RecordUsageIncrement(string(id.Kind))
	return rec, nil
}

// PruneHistory は保持期間retentionDaysより古い履歴キーを削除する。
// 全アカウントを更新するバッチのためStoreTimeoutは適用せず、呼び出し元のコンテキストに従う。
func (l *Ledger) PruneHistory(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := DayKey(l.now().AddDate(0, 0, -retentionDays), l.config.Location)

	n, err := l.repo.PruneHistory(ctx, cutoff)
	if err != nil {
		return 0, model.WrapUpstream("store", err)
	}
	l.metrics.RecordHistoryPruned(n)
	return n, nil
}

func (l *Ledger) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.config.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.config.StoreTimeout)
}

// Now は基準時刻を返す。
func (l *Ledger) Now() time.Time {
	return l.now()
}
