// Package learning は保存件数とサブスクリプション階層から学習率を算出する。
package learning

// Tier は学習率の算出に使う階層。
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// TierRate は階層ごとの保存1件あたりの増分と上限。
type TierRate struct {
	IncrementPerResponse int
	MaxPercentage        int
}

// Rates は学習率の定数。
type Rates struct {
	MinPercentage int
	Standard      TierRate
	Premium       TierRate
}

// DefaultRates はデフォルトの定数を返す。
func DefaultRates() Rates {
	return Rates{
		MinPercentage: 5,
		Standard:      TierRate{IncrementPerResponse: 2, MaxPercentage: 60},
		Premium:       TierRate{IncrementPerResponse: 5, MaxPercentage: 100},
	}
}

func (r Rates) forTier(tier Tier) TierRate {
	if tier == TierPremium {
		return r.Premium
	}
	return r.Standard
}

// Percentage は学習率を返す。
// 保存件数×増分を階層の上限で頭打ちにし、MinPercentageを下限とする。
func (r Rates) Percentage(savedCount int, tier Tier) int {
	rate := r.forTier(tier)

	p := savedCount * rate.IncrementPerResponse
	if savedCount > 0 && rate.IncrementPerResponse > 0 && p/rate.IncrementPerResponse != savedCount {
		// オーバーフロー
		p = rate.MaxPercentage
	}
	p = min(max(p, 0), rate.MaxPercentage)
	return max(p, r.MinPercentage)
}

// Percentage はデフォルトの定数で学習率を返す。
func Percentage(savedCount int, tier Tier) int {
	return DefaultRates().Percentage(savedCount, tier)
}
