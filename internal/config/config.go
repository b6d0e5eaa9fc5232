// Package config は環境変数とプラン定義ファイルからアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL  string
	StoreTimeout time.Duration

	// Billing (Stripe)
	// 未設定でも起動でき、初回利用時にNOT_CONFIGUREDを返す。
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string
	FrontendURL         string
	TrialPeriodDays     int
	ProviderTimeout     time.Duration

	// Webhook dedupe
	RedisURL         string
	WebhookDedupeTTL time.Duration

	// Auth
	AuthJWKSURL    string
	AuthHMACSecret string
	AuthIssuer     string
	AuthAudience   string
	// AuthJWKSAllowPrivate はJWKS URLに内部アドレスやhttpを許可する（ローカル開発用）。
	AuthJWKSAllowPrivate bool
	TrustProxyHeaders    bool

	// Usage
	UsageTimezone             *time.Location
	UsageHistoryRetentionDays int
	PlansFile                 string

	// Worker
	CleanupSchedule string

	// Rate Limit
	RateLimitGeneral int

	// Server
	ServerPort string
	LogLevel   string

	// CORS
	CORSAllowedOrigin string
}

// BillingConfigured はStripe連携に必要な値がすべて設定されているかを返す。
func (c *Config) BillingConfigured() bool {
	return c.StripeSecretKey != "" && c.StripeWebhookSecret != "" && c.StripePriceID != "" && c.FrontendURL != ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、またはタイムゾーン名が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	tzName := getEnvString("USAGE_TIMEZONE", "America/New_York")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid USAGE_TIMEZONE %q: %w", tzName, err)
	}
	cfg.UsageTimezone = loc

	// Optional fields with defaults
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 5*time.Second)
	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.StripePriceID = os.Getenv("STRIPE_PRICE_ID")
	cfg.FrontendURL = strings.TrimRight(os.Getenv("FRONTEND_URL"), "/")
	cfg.TrialPeriodDays = getEnvInt("TRIAL_PERIOD_DAYS", 3)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 5*time.Second)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.WebhookDedupeTTL = getEnvDuration("WEBHOOK_DEDUPE_TTL", 72*time.Hour)
	cfg.AuthJWKSURL = os.Getenv("AUTH_JWKS_URL")
	cfg.AuthHMACSecret = os.Getenv("AUTH_HMAC_SECRET")
	cfg.AuthIssuer = os.Getenv("AUTH_ISSUER")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.AuthJWKSAllowPrivate = getEnvBool("AUTH_JWKS_ALLOW_PRIVATE", false)
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)
	cfg.UsageHistoryRetentionDays = getEnvInt("USAGE_HISTORY_RETENTION_DAYS", 90)
	cfg.PlansFile = os.Getenv("PLANS_FILE")
	cfg.CleanupSchedule = getEnvString("CLEANUP_SCHEDULE", "5 0 * * *")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
