package subscription

import (
	"context"
	"time"

	"github.com/hitoshi/swipeledger/internal/model"
)

// CheckoutParams はチェックアウトセッション作成のパラメータ。
type CheckoutParams struct {
	UserID      string
	Email       string
	CustomerRef string
	TrialDays   int
}

// ProviderSubscription は決済プロバイダ上のサブスクリプション。
type ProviderSubscription struct {
	ID                string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
}

// Cancelable は期間終了時解約を設定できる状態かどうかを返す。
func (p ProviderSubscription) Cancelable() bool {
	return (p.Status == ProviderStatusActive || p.Status == ProviderStatusTrialing) && !p.CancelAtPeriodEnd
}

// Provider は決済プロバイダへの呼び出しを抽象化する。
type Provider interface {
	// CreateCheckoutSession はトライアル付きのチェックアウトセッションを作成し、URLを返す。
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)

	// ListSubscriptions は顧客のサブスクリプション一覧を返す。
	ListSubscriptions(ctx context.Context, customerRef string) ([]ProviderSubscription, error)

	// CancelAtPeriodEnd はサブスクリプションを期間終了時に解約するよう設定する。
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}

// EventKind はWebhookイベントの種類。
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout.session.completed"
	EventTrialWillEnd        EventKind = "customer.subscription.trial_will_end"
	EventSubscriptionUpdated EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted EventKind = "customer.subscription.deleted"
)

// Event は検証済みのWebhookイベント。
type Event struct {
	ID          string
	Kind        EventKind
	CustomerRef string

	// checkout.session.completed のみ
	UserID string
	Email  string

	// customer.subscription.* のみ
	Update UpdateEvent
}

// Deduper はWebhookイベントの重複配信を検出する。
// 処理に成功したイベントのみを記録するため、失敗したイベントはプロバイダの再送で再処理される。
type Deduper interface {
	// Seen はイベントIDが処理済みとして記録されているかどうかを返す。
	Seen(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed はイベントIDを処理済みとして記録する。
	MarkProcessed(ctx context.Context, eventID string) error
}

// Notifier は利用者への通知を行う。
type Notifier interface {
	Notify(ctx context.Context, rec model.SubscriptionRecord, notice string) error
}
