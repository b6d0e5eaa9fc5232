package usage

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/swipeledger/internal/metrics"
	"github.com/hitoshi/swipeledger/internal/model"
	"github.com/hitoshi/swipeledger/internal/policy"
	"github.com/hitoshi/swipeledger/internal/repository"
)

// Status は利用状況の照会結果。
type Status struct {
	DailySwipes int
	TotalSwipes int
	IsPremium   bool
	IsTrial     bool
	WasReset    bool
}

// IncrementResult は利用加算の結果。
// Chargedがfalseの場合は上限到達により加算していない。
// Decisionは加算後のカウンタに対する判定で、次回の利用可否を表す。
type IncrementResult struct {
	Decision    policy.Decision
	TotalSwipes int
	Charged     bool
}

// Service は利用状況の照会と加算を提供する。
type Service struct {
	ledger  *Ledger
	subs    repository.SubscriptionRepository
	limits  policy.Limits
	metrics metrics.MetricsCollector
}

// NewService はServiceを生成する。
func NewService(ledger *Ledger, subs repository.SubscriptionRepository, limits policy.Limits, metricsCollector metrics.MetricsCollector) *Service {
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	return &Service{
		ledger:  ledger,
		subs:    subs,
		limits:  limits,
		metrics: metricsCollector,
	}
}

// Status はリセット判定を行ってから現在の利用状況を返す。
func (s *Service) Status(ctx context.Context, id model.Identity) (*Status, error) {
	wasReset, err := s.ledger.CheckAndReset(ctx, id)
	if err != nil {
		return nil, err
	}

	rec, sub, err := s.snapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.ledger.now()
	st := &Status{
		DailySwipes: rec.DailyUsage,
		TotalSwipes: rec.TotalUsage,
		WasReset:    wasReset,
	}
	if sub != nil {
		st.IsPremium = sub.IsActive()
		st.IsTrial = sub.TrialActive(now)
	}
	return st, nil
}

// Increment は上限判定を行い、許可された場合のみカウンタを1加算する。
// 拒否された呼び出しは課金されない。
func (s *Service) Increment(ctx context.Context, id model.Identity) (*IncrementResult, error) {
	if _, err := s.ledger.CheckAndReset(ctx, id); err != nil {
		return nil, err
	}

	rec, sub, err := s.snapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	before := policy.Decide(countsOf(id, rec), sub, s.ledger.now(), s.limits)
	if !before.CanSwipe {
		s.metrics.RecordUsageDenied(before.DenyReason())
		slog.Info("usage denied",
			slog.String("identity_kind", string(id.Kind)),
			slog.Int("daily_usage", rec.DailyUsage),
			slog.String("reason", before.DenyReason()),
		)
		return &IncrementResult{Decision: before, TotalSwipes: rec.TotalUsage}, nil
	}

	updated, err := s.ledger.Increment(ctx, id)
	if err != nil {
		return nil, err
	}

	after := policy.Decide(countsOf(id, updated), sub, s.ledger.now(), s.limits)
	return &IncrementResult{Decision: after, TotalSwipes: updated.TotalUsage, Charged: true}, nil
}

// snapshot はカウンタとサブスクリプション状態を並行して読み込む。
// 匿名の場合サブスクリプションはnil。
func (s *Service) snapshot(ctx context.Context, id model.Identity) (*model.UsageRecord, *model.SubscriptionRecord, error) {
	var (
		rec *model.UsageRecord
		sub *model.SubscriptionRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rec, err = s.ledger.GetOrCreate(gctx, id)
		return err
	})
	if id.IsAuthenticated() {
		g.Go(func() error {
			var err error
			sub, err = s.findSubscription(gctx, id.Value)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return rec, sub, nil
}

func (s *Service) findSubscription(ctx context.Context, email string) (*model.SubscriptionRecord, error) {
	ctx, cancel := s.ledger.storeContext(ctx)
	defer cancel()

	sub, err := s.subs.FindByEmail(ctx, email)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}
	return sub, nil
}

func countsOf(id model.Identity, rec *model.UsageRecord) policy.Counts {
	return policy.Counts{Authenticated: id.IsAuthenticated(), DailyUsage: rec.DailyUsage}
}
