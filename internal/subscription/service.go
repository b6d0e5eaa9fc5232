package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/swipeledger/internal/metrics"
	"github.com/hitoshi/swipeledger/internal/model"
	"github.com/hitoshi/swipeledger/internal/repository"
)

// Webhook処理結果
const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Config はServiceの設定を保持する。
type Config struct {
	TrialPeriodDays int
	StoreTimeout    time.Duration
	// Clock は現在時刻の取得に使う。nilの場合はtime.Now。
	Clock func() time.Time
}

// CancelResult は解約要求の結果。
type CancelResult struct {
	Status              model.SubscriptionStatus
	SubscriptionEndDate *time.Time
}

// Service はサブスクリプション状態遷移の副作用を適用する。
type Service struct {
	subs     repository.SubscriptionRepository
	users    repository.UserRepository
	provider Provider
	deduper  Deduper
	notifier Notifier
	metrics  metrics.MetricsCollector
	config   Config
	now      func() time.Time
}

// NewService はServiceを生成する。
// providerがnilの場合、チェックアウトとプロバイダ経由の解約はNOT_CONFIGUREDを返す。
// deduperがnilの場合は重複配信を検出しない。
func NewService(
	subs repository.SubscriptionRepository,
	users repository.UserRepository,
	provider Provider,
	deduper Deduper,
	notifier Notifier,
	metricsCollector metrics.MetricsCollector,
	config Config,
) *Service {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	if config.TrialPeriodDays <= 0 {
		config.TrialPeriodDays = 3
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		subs:     subs,
		users:    users,
		provider: provider,
		deduper:  deduper,
		notifier: notifier,
		metrics:  metricsCollector,
		config:   config,
		now:      now,
	}
}

// Checkout はトライアル付きのチェックアウトセッションを作成し、URLを返す。
// トライアルを開始済みのアカウントはTRIAL_ALREADY_USEDを返す。
func (s *Service) Checkout(ctx context.Context, email string) (string, error) {
	if s.provider == nil {
		return "", model.NewNotConfiguredError("payment provider")
	}

	user, err := s.ensureUser(ctx, email)
	if err != nil {
		return "", err
	}

	rec, err := s.findByUserID(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", model.NewUserNotFoundError()
	}
	if rec.TrialStartedAt != nil {
		return "", model.NewTrialAlreadyUsedError()
	}

	url, err := s.provider.CreateCheckoutSession(ctx, CheckoutParams{
		UserID:      user.ID,
		Email:       user.Email,
		CustomerRef: rec.PaymentCustomerRef,
		TrialDays:   s.config.TrialPeriodDays,
	})
	if err != nil {
		return "", model.WrapUpstream("payment provider", err)
	}
	return url, nil
}

// Cancel は利用者からの解約要求を処理する。
// 顧客参照がある場合はプロバイダで期間終了時解約を設定してローカルに反映する。
// 顧客参照がなくトライアル中の場合はローカルで即時解約する。
func (s *Service) Cancel(ctx context.Context, email string) (*CancelResult, error) {
	rec, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, model.NewUserNotFoundError()
	}

	now := s.now()

	if rec.PaymentCustomerRef != "" {
		return s.cancelWithProvider(ctx, *rec, now)
	}

	if !rec.IsTrial {
		return nil, model.NewNoActiveSubscriptionError()
	}

	tr, err := CancelTrial(*rec, now)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, tr); err != nil {
		return nil, err
	}
	slog.Info("trial canceled locally", slog.String("user_id", rec.UserID))
	return &CancelResult{Status: tr.Record.Status, SubscriptionEndDate: tr.Record.SubscriptionEndDate}, nil
}

func (s *Service) cancelWithProvider(ctx context.Context, rec model.SubscriptionRecord, now time.Time) (*CancelResult, error) {
	if s.provider == nil {
		return nil, model.NewNotConfiguredError("payment provider")
	}

	subs, err := s.provider.ListSubscriptions(ctx, rec.PaymentCustomerRef)
	if err != nil {
		return nil, model.WrapUpstream("payment provider", err)
	}

	var target *ProviderSubscription
	for i := range subs {
		if subs[i].Cancelable() {
			target = &subs[i]
			break
		}
	}
	if target == nil {
		// 解約予約済みへの再要求は現在の状態を返す
		if rec.CancelAtPeriodEnd && rec.IsActive() {
			return &CancelResult{Status: rec.Status, SubscriptionEndDate: rec.SubscriptionEndDate}, nil
		}
		return nil, model.NewNoActiveSubscriptionError()
	}

	updated, err := s.provider.CancelAtPeriodEnd(ctx, target.ID)
	if err != nil {
		return nil, model.WrapUpstream("payment provider", err)
	}

	tr := CancelAtPeriodEnd(rec, updated.CurrentPeriodEnd, now)
	if err := s.apply(ctx, tr); err != nil {
		return nil, err
	}

	slog.Info("subscription set to cancel at period end",
		slog.String("user_id", rec.UserID),
		slog.Time("period_end", updated.CurrentPeriodEnd),
	)
	return &CancelResult{Status: tr.Record.Status, SubscriptionEndDate: tr.Record.SubscriptionEndDate}, nil
}

// HandleEvent は検証済みのWebhookイベントを処理し、処理結果を返す。
// 業務上処理不要なイベントはエラーにせずOutcomeIgnoredを返す。
// イベントは処理に成功した後にだけ処理済みとして記録するため、
// エラーを返したイベントや処理中にプロセスが停止したイベントはプロバイダの再送で再処理される。
func (s *Service) HandleEvent(ctx context.Context, ev Event) (string, error) {
	if s.deduper != nil && ev.ID != "" {
		seen, err := s.deduper.Seen(ctx, ev.ID)
		if err != nil {
			// 重複検出が使えない場合も遷移は冪等なので処理を続ける
			slog.Warn("webhook dedupe unavailable",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		} else if seen {
			s.metrics.RecordWebhookEvent(string(ev.Kind), OutcomeDuplicate)
			slog.Info("duplicate webhook event skipped", slog.String("event_id", ev.ID))
			return OutcomeDuplicate, nil
		}
	}

	outcome, err := s.dispatch(ctx, ev)
	if err != nil {
		s.metrics.RecordWebhookEvent(string(ev.Kind), OutcomeFailed)
		return OutcomeFailed, err
	}

	s.markProcessed(ctx, ev)
	s.metrics.RecordWebhookEvent(string(ev.Kind), outcome)
	return outcome, nil
}

// markProcessed は処理済みイベントを記録する。
// 適用済みの遷移を記録するため、リクエストのキャンセルとは切り離して実行する。
// 記録に失敗しても再送は冪等な遷移として再処理されるだけなのでログのみ。
func (s *Service) markProcessed(ctx context.Context, ev Event) {
	if s.deduper == nil || ev.ID == "" {
		return
	}

	ctx, cancel := s.storeContext(context.WithoutCancel(ctx))
	defer cancel()

	if err := s.deduper.MarkProcessed(ctx, ev.ID); err != nil {
		slog.Warn("failed to record webhook event",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) dispatch(ctx context.Context, ev Event) (string, error) {
	switch ev.Kind {
	case EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, ev)
	case EventTrialWillEnd:
		return s.handleTrialWillEnd(ctx, ev)
	case EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, ev)
	case EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, ev)
	default:
		slog.Debug("unhandled webhook event", slog.String("type", string(ev.Kind)))
		return OutcomeIgnored, nil
	}
}

// CompleteCheckout はチェックアウト完了をアカウントに反映し、トライアルを開始する。
// アカウントはuserID、次にemailで探す。見つからない場合はUSER_NOT_FOUNDを返す。
func (s *Service) CompleteCheckout(ctx context.Context, customerRef, userID, email string) (*model.SubscriptionRecord, error) {
	rec, err := s.findAccount(ctx, userID, email)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, model.NewUserNotFoundError()
	}

	tr, err := CheckoutCompleted(*rec, customerRef, s.now(), s.config.TrialPeriodDays)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, tr); err != nil {
		return nil, err
	}

	slog.Info("trial started",
		slog.String("user_id", rec.UserID),
		slog.Time("trial_end", *tr.Record.TrialEndDate),
	)
	return &tr.Record, nil
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, ev Event) (string, error) {
	if ev.CustomerRef == "" {
		// customerのないイベントは確認応答のみ行う
		slog.Warn("webhook event without customer", slog.String("event_id", ev.ID), slog.String("type", string(ev.Kind)))
		return OutcomeIgnored, nil
	}

	_, err := s.CompleteCheckout(ctx, ev.CustomerRef, ev.UserID, ev.Email)

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case model.ErrCodeUserNotFound:
			slog.Error("checkout completed for unknown account",
				slog.String("event_id", ev.ID),
				slog.String("customer_ref", ev.CustomerRef),
			)
			return OutcomeIgnored, nil
		case model.ErrCodeTrialAlreadyUsed:
			slog.Warn("checkout completed after trial already used",
				slog.String("event_id", ev.ID),
				slog.String("customer_ref", ev.CustomerRef),
			)
			return OutcomeIgnored, nil
		}
	}
	if err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (s *Service) handleTrialWillEnd(ctx context.Context, ev Event) (string, error) {
	rec, ok, err := s.resolveCustomer(ctx, ev)
	if err != nil || !ok {
		return OutcomeIgnored, err
	}

	if err := s.apply(ctx, TrialWillEnd(*rec, s.now())); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, ev Event) (string, error) {
	rec, ok, err := s.resolveCustomer(ctx, ev)
	if err != nil || !ok {
		return OutcomeIgnored, err
	}

	now := s.now()
	before := StateOf(rec, now)

	tr, err := SubscriptionUpdated(*rec, ev.Update, now)
	if err != nil {
		slog.Warn("invalid subscription update",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return OutcomeIgnored, nil
	}

	if err := s.apply(ctx, tr); err != nil {
		return "", err
	}
	slog.Info("subscription updated",
		slog.String("user_id", rec.UserID),
		slog.String("provider_status", ev.Update.Status),
		slog.String("from", before.String()),
		slog.String("to", tr.State.String()),
	)
	return OutcomeApplied, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, ev Event) (string, error) {
	rec, ok, err := s.resolveCustomer(ctx, ev)
	if err != nil || !ok {
		return OutcomeIgnored, err
	}

	tr := SubscriptionDeleted(*rec, s.now())
	if !tr.Has(EffectPersist) {
		return OutcomeIgnored, nil
	}
	if err := s.apply(ctx, tr); err != nil {
		return "", err
	}
	slog.Info("subscription deleted", slog.String("user_id", rec.UserID))
	return OutcomeApplied, nil
}

// resolveCustomer は顧客参照からレコードを引く。見つからない場合はログに記録してokをfalseにする。
func (s *Service) resolveCustomer(ctx context.Context, ev Event) (*model.SubscriptionRecord, bool, error) {
	if ev.CustomerRef == "" {
		slog.Warn("webhook event without customer", slog.String("event_id", ev.ID), slog.String("type", string(ev.Kind)))
		return nil, false, nil
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	rec, err := s.subs.FindByCustomerRef(ctx, ev.CustomerRef)
	if err != nil {
		return nil, false, model.WrapUpstream("store", err)
	}
	if rec == nil {
		slog.Warn("webhook event for unknown customer",
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Kind)),
			slog.String("customer_ref", ev.CustomerRef),
		)
		return nil, false, nil
	}
	return rec, true, nil
}

// apply は遷移の副作用を適用する。保存の失敗はエラーを返し、通知の失敗はログのみ。
func (s *Service) apply(ctx context.Context, tr Transition) error {
	for _, effect := range tr.Effects {
		switch effect {
		case EffectPersist:
			if err := tr.Record.Validate(); err != nil {
				return fmt.Errorf("invalid subscription record: %w", err)
			}
			if err := s.save(ctx, &tr.Record); err != nil {
				return err
			}
		case EffectNotify:
			if err := s.notifier.Notify(ctx, tr.Record, tr.Notice); err != nil {
				slog.Warn("notification failed",
					slog.String("user_id", tr.Record.UserID),
					slog.String("notice", tr.Notice),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}

func (s *Service) save(ctx context.Context, rec *model.SubscriptionRecord) error {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.subs.Save(ctx, rec); err != nil {
		return model.WrapUpstream("store", err)
	}
	return nil
}

func (s *Service) findAccount(ctx context.Context, userID, email string) (*model.SubscriptionRecord, error) {
	if userID != "" {
		rec, err := s.findByUserID(ctx, userID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	if email != "" {
		return s.findByEmail(ctx, email)
	}
	return nil, nil
}

func (s *Service) findByUserID(ctx context.Context, userID string) (*model.SubscriptionRecord, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	rec, err := s.subs.FindByUserID(ctx, userID)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}
	return rec, nil
}

func (s *Service) findByEmail(ctx context.Context, email string) (*model.SubscriptionRecord, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	rec, err := s.subs.FindByEmail(ctx, email)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}
	return rec, nil
}

func (s *Service) ensureUser(ctx context.Context, email string) (*model.User, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.users.EnsureByEmail(ctx, email)
	if err != nil {
		return nil, model.WrapUpstream("store", err)
	}
	return user, nil
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.StoreTimeout)
}

// LogNotifier は通知をログ出力で代替する。
type LogNotifier struct{}

// Notify は通知内容をログに記録する。
func (LogNotifier) Notify(_ context.Context, rec model.SubscriptionRecord, notice string) error {
	attrs := []any{
		slog.String("user_id", rec.UserID),
		slog.String("notice", notice),
	}
	if rec.TrialEndDate != nil {
		attrs = append(attrs, slog.Time("trial_end", *rec.TrialEndDate))
	}
	slog.Info("subscription notice", attrs...)
	return nil
}
