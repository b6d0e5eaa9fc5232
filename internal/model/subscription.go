package model

import "time"

// SubscriptionType はサブスクリプションのプラン種別を表す。
type SubscriptionType string

const (
	// SubscriptionTypeStandard は無料プラン。
	SubscriptionTypeStandard SubscriptionType = "standard"
	// SubscriptionTypePremium は有料プラン。
	SubscriptionTypePremium SubscriptionType = "premium"
)

// SubscriptionStatus はサブスクリプションの有効状態を表す。
type SubscriptionStatus string

const (
	// SubscriptionStatusActive は有効。
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusInactive は無効。
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
)

// SubscriptionRecord はアカウントごとのサブスクリプション状態を表す。
// IsTrialがtrueならTrialEndDateが、CancelAtPeriodEndがtrueならSubscriptionEndDateが設定されている。
type SubscriptionRecord struct {
	UserID                string
	Email                 string
	Type                  SubscriptionType
	Status                SubscriptionStatus
	IsTrial               bool
	TrialStartedAt        *time.Time
	TrialEndDate          *time.Time
	SubscriptionEndDate   *time.Time
	CancelAtPeriodEnd     bool
	PaymentCustomerRef    string
	SubscriptionUpdatedAt *time.Time
}

// TrialActive はnow時点でトライアル期間中かどうかを返す。
func (r *SubscriptionRecord) TrialActive(now time.Time) bool {
	return r.IsTrial && r.TrialEndDate != nil && r.TrialEndDate.After(now)
}

// IsActive はサブスクリプションが有効状態かどうかを返す。
func (r *SubscriptionRecord) IsActive() bool {
	return r.Status == SubscriptionStatusActive
}

// HasPremiumAccess は有効またはトライアル期間中であればtrueを返す。
func (r *SubscriptionRecord) HasPremiumAccess(now time.Time) bool {
	return r.IsActive() || r.TrialActive(now)
}

// Validate はレコードの不変条件を検証する。
func (r *SubscriptionRecord) Validate() error {
	if r.IsTrial && r.TrialEndDate == nil {
		return NewValidationError("トライアル中のレコードにtrialEndDateがありません")
	}
	if r.CancelAtPeriodEnd && r.SubscriptionEndDate == nil {
		return NewValidationError("期間終了時解約のレコードにsubscriptionEndDateがありません")
	}
	return nil
}
