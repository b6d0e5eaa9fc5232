// Package merge はサインイン時に匿名利用量をアカウントへ移す。
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/swipeledger/internal/metrics"
	"github.com/hitoshi/swipeledger/internal/model"
	"github.com/hitoshi/swipeledger/internal/repository"
	"github.com/hitoshi/swipeledger/internal/usage"
)

// Request はマージ要求。
// Declaredが指定された場合はIPレコードの値の代わりにクライアント申告値を加算する。
// その場合もAnonymousが指定されていればIPレコードのdaily_usageはクリアする。
type Request struct {
	Account   model.Identity
	Anonymous model.Identity
	Declared  *model.UsageCounts
}

// Service は匿名利用量のマージを行う。
type Service struct {
	ledger       *usage.Ledger
	repo         repository.UsageRepository
	users        repository.UserRepository
	metrics      metrics.MetricsCollector
	storeTimeout time.Duration
}

// NewService はServiceを生成する。
// repoがrepository.TransactionalMergerを実装する場合、加算とクリアは1トランザクションで行われる。
func NewService(ledger *usage.Ledger, repo repository.UsageRepository, users repository.UserRepository, metricsCollector metrics.MetricsCollector, storeTimeout time.Duration) *Service {
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	return &Service{
		ledger:       ledger,
		repo:         repo,
		users:        users,
		metrics:      metricsCollector,
		storeTimeout: storeTimeout,
	}
}

// Merge は匿名利用量をアカウントのカウンタに加算し、更新後のアカウントレコードを返す。
// アカウント側の書き込みが失敗した場合はエラーを返す。
// トランザクションを使えない場合のIPクリアの失敗はログに記録し、マージ自体は成功として扱う。
func (s *Service) Merge(ctx context.Context, req Request) (*model.UsageRecord, error) {
	if !req.Account.IsAuthenticated() {
		return nil, model.NewValidationError("マージ先はアカウントである必要があります")
	}
	if !req.Anonymous.IsZero() && req.Anonymous.Kind != model.IdentityKindIPAddress {
		return nil, model.NewValidationError("マージ元はIPアドレスである必要があります")
	}
	if req.Declared != nil {
		if err := validateCounts(*req.Declared); err != nil {
			return nil, err
		}
	}

	if _, err := s.ensureAccount(ctx, req.Account.Value); err != nil {
		s.metrics.RecordMerge(metrics.MergeOutcomeFailed)
		return nil, err
	}

	counts, err := s.anonymousCounts(ctx, req)
	if err != nil {
		s.metrics.RecordMerge(metrics.MergeOutcomeFailed)
		return nil, err
	}

	if _, err := s.ledger.CheckAndReset(ctx, req.Account); err != nil {
		s.metrics.RecordMerge(metrics.MergeOutcomeFailed)
		return nil, err
	}

	now := s.ledger.Now()

	if merger, ok := s.repo.(repository.TransactionalMerger); ok && !req.Anonymous.IsZero() {
		rec, err := s.mergeInTx(ctx, merger, req, counts, now)
		if err != nil {
			s.metrics.RecordMerge(metrics.MergeOutcomeFailed)
			return nil, err
		}
		s.metrics.RecordMerge(metrics.MergeOutcomeMerged)
		logMerged(req, counts)
		return rec, nil
	}

	rec, err := s.addToAccount(ctx, req.Account.Value, counts, now)
	if err != nil {
		s.metrics.RecordMerge(metrics.MergeOutcomeFailed)
		return nil, err
	}

	if !req.Anonymous.IsZero() {
		if err := s.clearAnonymous(ctx, req.Anonymous.Value, now); err != nil {
			slog.Warn("merge partial: anonymous usage not cleared",
				slog.Int("daily_usage", counts.DailyUsage),
				slog.Int("total_usage", counts.TotalUsage),
				slog.String("error", err.Error()),
			)
			s.metrics.RecordMerge(metrics.MergeOutcomePartial)
			return rec, nil
		}
	}

	s.metrics.RecordMerge(metrics.MergeOutcomeMerged)
	logMerged(req, counts)
	return rec, nil
}

// anonymousCounts は加算する匿名利用量を決める。
// IPレコードは読み込み前に日次リセットを行うため、前日以前のdaily_usageは加算されない。
func (s *Service) anonymousCounts(ctx context.Context, req Request) (model.UsageCounts, error) {
	if req.Declared != nil {
		return *req.Declared, nil
	}
	if req.Anonymous.IsZero() {
		return model.UsageCounts{}, nil
	}

	if _, err := s.ledger.CheckAndReset(ctx, req.Anonymous); err != nil {
		return model.UsageCounts{}, err
	}
	rec, err := s.ledger.GetOrCreate(ctx, req.Anonymous)
	if err != nil {
		return model.UsageCounts{}, err
	}
	return model.UsageCounts{DailyUsage: rec.DailyUsage, TotalUsage: rec.TotalUsage}, nil
}

func (s *Service) ensureAccount(ctx context.Context, email string) (*model.User, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.users.EnsureByEmail(ctx, email)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}
	return user, nil
}

func (s *Service) mergeInTx(ctx context.Context, merger repository.TransactionalMerger, req Request, counts model.UsageCounts, now time.Time) (*model.UsageRecord, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	rec, err := merger.MergeAnonymous(ctx, req.Account.Value, req.Anonymous.Value, counts, now)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}
	return rec, nil
}

func (s *Service) addToAccount(ctx context.Context, email string, counts model.UsageCounts, now time.Time) (*model.UsageRecord, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	rec, err := s.repo.AddToAccount(ctx, email, counts, now)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}
	return rec, nil
}

// clearAnonymous はアカウントへの加算が確定した後の補償ステップ。
// 失敗した場合、同じ匿名クライアントが未認証のまま利用を続けると二重計上になりうる。
func (s *Service) clearAnonymous(ctx context.Context, ip string, now time.Time) error {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.repo.ClearAnonymousDaily(ctx, ip, now); err != nil {
		return fmt.Errorf("clear anonymous usage: %w", err)
	}
	return nil
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func validateCounts(c model.UsageCounts) error {
	if c.DailyUsage < 0 || c.TotalUsage < 0 {
		return model.NewValidationError("利用回数に負の値は指定できません")
	}
	if c.DailyUsage > c.TotalUsage {
		return model.NewValidationError("dailyUsageはtotalUsage以下である必要があります")
	}
	return nil
}

func logMerged(req Request, counts model.UsageCounts) {
	slog.Info("anonymous usage merged",
		slog.Bool("declared", req.Declared != nil),
		slog.Int("daily_usage", counts.DailyUsage),
		slog.Int("total_usage", counts.TotalUsage),
	)
}
