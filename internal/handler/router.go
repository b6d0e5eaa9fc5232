package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/swipeledger/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	IdentityResolver  middleware.IdentityResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 利用状況
	UsageService UsageServiceInterface
	MergeService MergeServiceInterface

	// サブスクリプション
	SubscriptionService SubscriptionServiceInterface
	WebhookProcessor    WebhookProcessor

	// 学習率
	LearningService LearningServiceInterface

	// 運用
	DB             Pinger
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → SecurityHeaders → CORS → Identity → Logging → RateLimit(General) [→ RequireAccount]
//
// Webhookは主体を持たないためIdentityを通さず、接続元アドレス単位でレート制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	usageHandler := NewUsageHandler(deps.UsageService, deps.MergeService)
	subHandler := NewSubscriptionHandler(deps.SubscriptionService)
	webhookHandler := NewWebhookHandler(deps.WebhookProcessor)
	learningHandler := NewLearningHandler(deps.LearningService)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- Webhook ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Post("/api/webhooks/stripe", webhookHandler.Stripe)
	})

	// --- 主体が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.IdentityResolver))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 利用状況（匿名でも利用可）
		r.Get("/api/usage", usageHandler.Status)
		r.Post("/api/usage/increment", usageHandler.Increment)

		// --- アカウントが必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireAccountMiddleware())

			r.Post("/api/usage/merge", usageHandler.Merge)

			r.Route("/api/subscription", func(r chi.Router) {
				r.Post("/checkout", subHandler.Checkout)
				r.Post("/cancel", subHandler.Cancel)
			})

			r.Get("/api/learning-percentage", learningHandler.Percentage)
			r.Post("/api/saved-items", learningHandler.SaveItem)
		})
	})

	return r
}
