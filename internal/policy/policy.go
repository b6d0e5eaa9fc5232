// Package policy は利用カウンタとサブスクリプション状態から利用可否を判定する。
package policy

import (
	"time"

	"github.com/hitoshi/swipeledger/internal/model"
)

// Limits は階層ごとの1日あたりの利用上限。
type Limits struct {
	FreeDailyLimit      int
	AnonymousDailyLimit int
}

// DefaultLimits はデフォルトの上限を返す。
func DefaultLimits() Limits {
	return Limits{FreeDailyLimit: 10, AnonymousDailyLimit: 3}
}

// Counts は判定に使う利用状況。
type Counts struct {
	Authenticated bool
	DailyUsage    int
}

// 拒否理由
const (
	ReasonRequiresUpgrade = "requires_upgrade"
	ReasonRequiresSignIn  = "requires_sign_in"
)

// Decision は利用可否の判定結果。
type Decision struct {
	CanSwipe        bool
	IsPremium       bool
	IsTrial         bool
	DailySwipes     int
	RequiresUpgrade bool
	RequiresSignIn  bool
}

// DenyReason は拒否理由を返す。許可されている場合は空文字列。
func (d Decision) DenyReason() string {
	switch {
	case d.CanSwipe:
		return ""
	case d.RequiresSignIn:
		return ReasonRequiresSignIn
	default:
		return ReasonRequiresUpgrade
	}
}

// Decide は利用可否を判定する。副作用はない。
// subはアカウントのサブスクリプション状態で、匿名の場合はnilを渡す。
// 期限切れでもフラグが更新されていないトライアルは、保存されているフラグのまま扱う。
// トライアル中かどうかはtrialEndDateとnowの比較で判定する。
func Decide(counts Counts, sub *model.SubscriptionRecord, now time.Time, limits Limits) Decision {
	d := Decision{DailySwipes: counts.DailyUsage}

	if !counts.Authenticated {
		d.CanSwipe = counts.DailyUsage < limits.AnonymousDailyLimit
		d.RequiresSignIn = !d.CanSwipe
		return d
	}

	if sub != nil && sub.HasPremiumAccess(now) {
		d.CanSwipe = true
		d.IsPremium = sub.IsActive()
		d.IsTrial = sub.TrialActive(now)
		return d
	}

	d.CanSwipe = counts.DailyUsage < limits.FreeDailyLimit
	d.RequiresUpgrade = !d.CanSwipe
	return d
}
