package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TierLearning は階層ごとの学習率の増分と上限。
type TierLearning struct {
	IncrementPerResponse int `yaml:"increment_per_response"`
	MaxPercentage        int `yaml:"max_percentage"`
}

// Plans は利用上限と学習率の定数を保持する。
// PLANS_FILEで指定したYAMLファイルの値がデフォルトを上書きする。
type Plans struct {
	FreeDailyLimit      int `yaml:"free_daily_limit"`
	AnonymousDailyLimit int `yaml:"anonymous_daily_limit"`
	Learning            struct {
		MinPercentage int          `yaml:"min_percentage"`
		Standard      TierLearning `yaml:"standard"`
		Premium       TierLearning `yaml:"premium"`
	} `yaml:"learning"`
}

// DefaultPlans はデフォルトのプラン定義を返す。
func DefaultPlans() Plans {
	var p Plans
	p.FreeDailyLimit = 10
	p.AnonymousDailyLimit = 3
	p.Learning.MinPercentage = 5
	p.Learning.Standard = TierLearning{IncrementPerResponse: 2, MaxPercentage: 60}
	p.Learning.Premium = TierLearning{IncrementPerResponse: 5, MaxPercentage: 100}
	return p
}

// LoadPlans はYAMLファイルからプラン定義を読み込む。
// pathが空の場合はデフォルト値を返す。ファイルに記載のないキーはデフォルト値を維持する。
func LoadPlans(path string) (Plans, error) {
	plans := DefaultPlans()
	if path == "" {
		return plans, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Plans{}, fmt.Errorf("failed to read plans file: %w", err)
	}

	if err := yaml.Unmarshal(data, &plans); err != nil {
		return Plans{}, fmt.Errorf("failed to parse plans file: %w", err)
	}

	if err := plans.Validate(); err != nil {
		return Plans{}, err
	}
	return plans, nil
}

// Validate はプラン定義の整合性を検証する。
func (p Plans) Validate() error {
	if p.FreeDailyLimit < 0 || p.AnonymousDailyLimit < 0 {
		return fmt.Errorf("daily limits must not be negative")
	}
	l := p.Learning
	if l.MinPercentage < 0 || l.MinPercentage > 100 {
		return fmt.Errorf("learning min_percentage must be within 0..100")
	}
	for name, tier := range map[string]TierLearning{"standard": l.Standard, "premium": l.Premium} {
		if tier.IncrementPerResponse < 0 {
			return fmt.Errorf("learning %s increment must not be negative", name)
		}
		if tier.MaxPercentage < l.MinPercentage || tier.MaxPercentage > 100 {
			return fmt.Errorf("learning %s max_percentage must be within min_percentage..100", name)
		}
	}
	return nil
}
