package subscription

import (
	"time"

	"github.com/hitoshi/swipeledger/internal/model"
)

// プロバイダのサブスクリプションステータス
const (
	ProviderStatusActive   = "active"
	ProviderStatusTrialing = "trialing"
	ProviderStatusCanceled = "canceled"
	ProviderStatusUnpaid   = "unpaid"
	ProviderStatusPastDue  = "past_due"
)

// UpdateEvent はcustomer.subscription.updatedの内容。
type UpdateEvent struct {
	Status            string
	CancelAtPeriodEnd bool
	PeriodEnd         *time.Time
	TrialEnd          *time.Time
}

// CheckoutCompleted はチェックアウト完了時の遷移。
// トライアルを開始済みのアカウントはTRIAL_ALREADY_USEDで拒否する。
func CheckoutCompleted(rec model.SubscriptionRecord, customerRef string, now time.Time, trialDays int) (Transition, error) {
	if rec.TrialStartedAt != nil {
		return Transition{}, model.NewTrialAlreadyUsedError()
	}

	trialEnd := now.AddDate(0, 0, trialDays)
	rec.Type = model.SubscriptionTypePremium
	rec.Status = model.SubscriptionStatusActive
	rec.IsTrial = true
	rec.TrialStartedAt = timePtr(now)
	rec.TrialEndDate = &trialEnd
	rec.CancelAtPeriodEnd = false
	if customerRef != "" {
		rec.PaymentCustomerRef = customerRef
	}
	rec.SubscriptionUpdatedAt = timePtr(now)

	return persist(rec, now), nil
}

// TrialWillEnd はトライアル終了予告の遷移。レコードは変更しない。
func TrialWillEnd(rec model.SubscriptionRecord, now time.Time) Transition {
	return Transition{
		Record:  rec,
		State:   StateOf(&rec, now),
		Effects: []Effect{EffectNotify},
		Notice:  NoticeTrialWillEnd,
	}
}

// SubscriptionUpdated はサブスクリプション更新の遷移。
// 分岐は上から順に評価する。未知のステータスはsubscriptionUpdatedAtのみ更新する。
func SubscriptionUpdated(rec model.SubscriptionRecord, ev UpdateEvent, now time.Time) (Transition, error) {
	active := ev.Status == ProviderStatusActive

	switch {
	case active && rec.IsTrial && (ev.TrialEnd == nil || !ev.TrialEnd.After(now)):
		rec.IsTrial = false
		rec.TrialEndDate = nil
		rec.Status = model.SubscriptionStatusActive
		rec.Type = model.SubscriptionTypePremium
		if ev.PeriodEnd != nil {
			rec.SubscriptionEndDate = ev.PeriodEnd
		}

	case active && ev.CancelAtPeriodEnd:
		if ev.PeriodEnd == nil {
			return Transition{}, model.NewValidationError("期間終了時解約のイベントにcurrent_period_endがありません")
		}
		rec.Status = model.SubscriptionStatusActive
		rec.CancelAtPeriodEnd = true
		rec.SubscriptionEndDate = ev.PeriodEnd

	case active:
		rec.Status = model.SubscriptionStatusActive
		rec.Type = model.SubscriptionTypePremium
		rec.CancelAtPeriodEnd = false
		if ev.PeriodEnd != nil {
			rec.SubscriptionEndDate = ev.PeriodEnd
		}

	case ev.Status == ProviderStatusCanceled || ev.Status == ProviderStatusUnpaid || ev.Status == ProviderStatusPastDue:
		rec.Status = model.SubscriptionStatusInactive
		rec.Type = model.SubscriptionTypeStandard
		rec.IsTrial = false
		rec.CancelAtPeriodEnd = false
		rec.SubscriptionEndDate = ev.PeriodEnd
	}

	rec.SubscriptionUpdatedAt = timePtr(now)
	return persist(rec, now), nil
}

// SubscriptionDeleted はサブスクリプション削除の遷移。即時にFreeへ戻す。
// 既に削除済みの状態であれば何もしない。
func SubscriptionDeleted(rec model.SubscriptionRecord, now time.Time) Transition {
	if isTerminal(rec) {
		return Transition{Record: rec, State: StateFree}
	}

	rec.Status = model.SubscriptionStatusInactive
	rec.Type = model.SubscriptionTypeStandard
	rec.IsTrial = false
	rec.TrialEndDate = nil
	rec.SubscriptionEndDate = timePtr(now)
	rec.CancelAtPeriodEnd = false
	rec.SubscriptionUpdatedAt = timePtr(now)

	return persist(rec, now)
}

// CancelAtPeriodEnd はプロバイダ側で期間終了時解約を設定した結果をローカルに反映する。
// ステータスは確定のWebhookを受け取るまでactiveのまま。
func CancelAtPeriodEnd(rec model.SubscriptionRecord, periodEnd time.Time, now time.Time) Transition {
	rec.CancelAtPeriodEnd = true
	rec.SubscriptionEndDate = &periodEnd
	rec.SubscriptionUpdatedAt = timePtr(now)
	return persist(rec, now)
}

// CancelTrial は支払い前のトライアルをローカルで即時解約する。
func CancelTrial(rec model.SubscriptionRecord, now time.Time) (Transition, error) {
	if !rec.IsTrial {
		return Transition{}, model.NewNoActiveSubscriptionError()
	}
	rec.IsTrial = false
	rec.Status = model.SubscriptionStatusInactive
	rec.Type = model.SubscriptionTypeStandard
	rec.CancelAtPeriodEnd = false
	rec.SubscriptionUpdatedAt = timePtr(now)
	return persist(rec, now), nil
}

func persist(rec model.SubscriptionRecord, now time.Time) Transition {
	return Transition{
		Record:  rec,
		State:   StateOf(&rec, now),
		Effects: []Effect{EffectPersist},
	}
}

func isTerminal(rec model.SubscriptionRecord) bool {
	return rec.Status == model.SubscriptionStatusInactive &&
		rec.Type == model.SubscriptionTypeStandard &&
		!rec.IsTrial &&
		!rec.CancelAtPeriodEnd &&
		rec.TrialEndDate == nil &&
		rec.SubscriptionEndDate != nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
