package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/swipeledger/internal/auth"
	"github.com/hitoshi/swipeledger/internal/billing"
	"github.com/hitoshi/swipeledger/internal/config"
	"github.com/hitoshi/swipeledger/internal/database"
	"github.com/hitoshi/swipeledger/internal/handler"
	"github.com/hitoshi/swipeledger/internal/identity"
	"github.com/hitoshi/swipeledger/internal/learning"
	"github.com/hitoshi/swipeledger/internal/merge"
	"github.com/hitoshi/swipeledger/internal/metrics"
	"github.com/hitoshi/swipeledger/internal/middleware"
	"github.com/hitoshi/swipeledger/internal/policy"
	"github.com/hitoshi/swipeledger/internal/repository"
	"github.com/hitoshi/swipeledger/internal/security"
	"github.com/hitoshi/swipeledger/internal/subscription"
	"github.com/hitoshi/swipeledger/internal/usage"
)

// components はserveとworkerで共有する依存関係をまとめたもの。
type components struct {
	db       *database.Lazy
	registry *prometheus.Registry
	ledger   *usage.Ledger

	usage        *usage.Service
	merge        *merge.Service
	subscription *subscription.Service
	learning     *learning.Service
	webhooks     *handler.WebhookAdapter
	resolver     *identity.Resolver

	closers []func() error
}

// newComponents は設定から全依存関係をワイヤリングする。
// DB接続は初回利用時に開く。Stripe、Redis、トークン検証は未設定でも起動でき、
// 該当機能の利用時にNOT_CONFIGUREDを返すか、機能を無効化して動作する。
func newComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		return nil, err
	}

	c := &components{
		db:       database.NewLazy(cfg.DatabaseURL),
		registry: prometheus.NewRegistry(),
	}
	c.closers = append(c.closers, c.db.Close)

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(c.registry)

	// 1. リポジトリの初期化
	usageRepo := repository.NewPostgresUsageRepo(c.db)
	userRepo := repository.NewPostgresUserRepo(c.db)
	subRepo := repository.NewPostgresSubscriptionRepo(c.db)
	savedItemRepo := repository.NewPostgresSavedItemRepo(c.db)

	// 2. 利用カウンタ
	c.ledger = usage.NewLedger(usageRepo, collector, usage.LedgerConfig{
		Location:     cfg.UsageTimezone,
		StoreTimeout: cfg.StoreTimeout,
	})
	limits := policy.Limits{
		FreeDailyLimit:      plans.FreeDailyLimit,
		AnonymousDailyLimit: plans.AnonymousDailyLimit,
	}
	c.usage = usage.NewService(c.ledger, subRepo, limits, collector)
	c.merge = merge.NewService(c.ledger, usageRepo, userRepo, collector, cfg.StoreTimeout)

	// 3. 学習率
	c.learning = learning.NewService(userRepo, subRepo, savedItemRepo, security.NewTextSanitizer(), learningRates(plans), cfg.StoreTimeout)

	// 4. 決済
	var provider subscription.Provider
	if cfg.BillingConfigured() {
		provider = billing.NewStripeProvider(billing.NewStripeClient(cfg.StripeSecretKey), billing.StripeConfig{
			PriceID:     cfg.StripePriceID,
			FrontendURL: cfg.FrontendURL,
			Timeout:     cfg.ProviderTimeout,
		}, collector)
	} else {
		slog.Warn("stripe is not configured; checkout and provider cancellation are disabled")
	}

	var deduper subscription.Deduper
	if cfg.RedisURL != "" {
		client, err := billing.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			// 遷移は冪等なので重複検出なしでも整合性は保たれる
			slog.Warn("webhook dedupe disabled", slog.String("error", err.Error()))
		} else {
			deduper = billing.NewRedisDeduper(client, cfg.WebhookDedupeTTL)
			c.closers = append(c.closers, client.Close)
		}
	}

	c.subscription = subscription.NewService(subRepo, userRepo, provider, deduper, subscription.LogNotifier{}, collector, subscription.Config{
		TrialPeriodDays: cfg.TrialPeriodDays,
		StoreTimeout:    cfg.StoreTimeout,
	})
	c.webhooks = handler.NewWebhookAdapter(billing.NewWebhookParser(cfg.StripeWebhookSecret), c.subscription)

	// 5. 主体の解決
	vcfg := auth.VerifierConfig{
		JWKSURL:    cfg.AuthJWKSURL,
		HMACSecret: cfg.AuthHMACSecret,
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
	}
	if cfg.AuthJWKSURL != "" && !cfg.AuthJWKSAllowPrivate {
		guard := security.NewOutboundGuard(cfg.ProviderTimeout)
		if err := guard.ValidateURL(cfg.AuthJWKSURL); err != nil {
			c.Close()
			return nil, fmt.Errorf("invalid AUTH_JWKS_URL: %w", err)
		}
		vcfg.HTTPClient = guard.Client()
	}

	var verifier identity.TokenVerifier
	v, err := auth.NewVerifier(vcfg)
	switch {
	case errors.Is(err, auth.ErrNotConfigured):
		slog.Warn("token verification is not configured; all callers are treated as anonymous")
	case err != nil:
		c.Close()
		return nil, fmt.Errorf("failed to init token verifier: %w", err)
	default:
		verifier = v
	}
	c.resolver = identity.NewResolver(verifier, cfg.TrustProxyHeaders)

	return c, nil
}

// router はAPIサーバーのハンドラーを構成する。
func (c *components) router(cfg *config.Config) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		IdentityResolver:  c.resolver,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterConfig(cfg.RateLimitGeneral)),
		Logger:            slog.Default(),

		UsageService: c.usage,
		MergeService: c.merge,

		SubscriptionService: c.subscription,
		WebhookProcessor:    c.webhooks,

		LearningService: c.learning,

		DB:             c.db,
		MetricsHandler: metrics.Handler(c.registry),
	})
}

// Close は保持しているリソースを開いた順と逆順に閉じる。
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// rateLimiterConfig はreq/min単位の設定値をレート制限設定に変換する。
func rateLimiterConfig(perMinute int) middleware.RateLimiterConfig {
	cfg := middleware.DefaultRateLimiterConfig()
	if perMinute > 0 {
		cfg.GeneralRate = rate.Limit(float64(perMinute) / 60.0)
		cfg.GeneralBurst = perMinute
	}
	return cfg
}

func learningRates(p config.Plans) learning.Rates {
	return learning.Rates{
		MinPercentage: p.Learning.MinPercentage,
		Standard: learning.TierRate{
			IncrementPerResponse: p.Learning.Standard.IncrementPerResponse,
			MaxPercentage:        p.Learning.Standard.MaxPercentage,
		},
		Premium: learning.TierRate{
			IncrementPerResponse: p.Learning.Premium.IncrementPerResponse,
			MaxPercentage:        p.Learning.Premium.MaxPercentage,
		},
	}
}
