// Package subscription はサブスクリプションの状態遷移を管理する。
// 遷移はイベントごとの純粋関数で表し、副作用はServiceが適用する。
package subscription

import (
	"time"

	"github.com/hitoshi/swipeledger/internal/model"
)

// State はサブスクリプションの概念上の状態。
type State int

const (
	StateFree State = iota
	StateTrialActive
	StateTrialCanceling
	StatePremium
	StateCanceling
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateTrialActive:
		return "trial_active"
	case StateTrialCanceling:
		return "trial_canceling"
	case StatePremium:
		return "premium"
	case StateCanceling:
		return "canceling"
	default:
		return "unknown"
	}
}

// StateOf は保存済みレコードの状態を返す。
// 期限切れのトライアルは、状態遷移でフラグが更新されるまでFreeとして扱う。
func StateOf(rec *model.SubscriptionRecord, now time.Time) State {
	if rec == nil || !rec.HasPremiumAccess(now) {
		return StateFree
	}
	if rec.TrialActive(now) {
		if rec.CancelAtPeriodEnd {
			return StateTrialCanceling
		}
		return StateTrialActive
	}
	if rec.CancelAtPeriodEnd {
		return StateCanceling
	}
	return StatePremium
}

// Effect は遷移に伴う副作用。
type Effect int

const (
	// EffectPersist はレコードを保存する。
	EffectPersist Effect = iota + 1
	// EffectNotify は利用者への通知を行う。失敗しても遷移は失敗しない。
	EffectNotify
)

// Transition は遷移の結果。
type Transition struct {
	Record  model.SubscriptionRecord
	State   State
	Effects []Effect
	// Notice は通知の種類。EffectNotifyを含む場合のみ設定される。
	Notice string
}

// Has は遷移が指定の副作用を含むかどうかを返す。
func (t Transition) Has(e Effect) bool {
	for _, got := range t.Effects {
		if got == e {
			return true
		}
	}
	return false
}

// 通知の種類
const (
	NoticeTrialWillEnd = "trial_will_end"
)
