// Package billing は決済プロバイダ（Stripe）との連携を提供する。
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/hitoshi/swipeledger/internal/metrics"
	"github.com/hitoshi/swipeledger/internal/subscription"
)

// StripeConfig はStripeProviderの設定を保持する。
type StripeConfig struct {
	PriceID     string
	FrontendURL string
	Timeout     time.Duration
}

// StripeProvider はStripe APIを使用したsubscription.Providerの実装。
// APIキーはclient.APIに保持し、パッケージグローバルのstripe.Keyは使用しない。
type StripeProvider struct {
	api     *client.API
	config  StripeConfig
	metrics metrics.MetricsCollector
}

// NewStripeClient はシークレットキーからclient.APIを生成する。
func NewStripeClient(secretKey string) *client.API {
	api := &client.API{}
	api.Init(secretKey, nil)
	return api
}

// NewStripeProvider はStripeProviderを生成する。
func NewStripeProvider(api *client.API, config StripeConfig, metricsCollector metrics.MetricsCollector) *StripeProvider {
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	config.FrontendURL = strings.TrimRight(config.FrontendURL, "/")
	return &StripeProvider{api: api, config: config, metrics: metricsCollector}
}

// CreateCheckoutSession はトライアル付きのサブスクリプションのチェックアウトセッションを作成する。
// セッションにはアカウントIDとメールアドレスを付与し、完了イベントで照合する。
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in subscription.CheckoutParams) (string, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()
	defer p.observe("checkout_session_create", time.Now())

	metadata := map[string]string{
		"user_id": in.UserID,
		"email":   in.Email,
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.config.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(int64(in.TrialDays)),
			Metadata:        metadata,
		},
		ClientReferenceID: stripe.String(in.UserID),
		SuccessURL:        stripe.String(p.config.FrontendURL + "/billing/success"),
		CancelURL:         stripe.String(p.config.FrontendURL + "/billing/cancel"),
	}
	params.Context = ctx
	params.Metadata = metadata
	if in.CustomerRef != "" {
		params.Customer = stripe.String(in.CustomerRef)
	} else {
		params.CustomerEmail = stripe.String(in.Email)
	}

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return sess.URL, nil
}

// ListSubscriptions は顧客の全サブスクリプションを返す。
func (p *StripeProvider) ListSubscriptions(ctx context.Context, customerRef string) ([]subscription.ProviderSubscription, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()
	defer p.observe("subscription_list", time.Now())

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerRef),
		Status:   stripe.String("all"),
	}
	params.Context = ctx

	var out []subscription.ProviderSubscription
	iter := p.api.Subscriptions.List(params)
	for iter.Next() {
		out = append(out, toProviderSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

// CancelAtPeriodEnd はサブスクリプションを期間終了時に解約するよう更新する。
func (p *StripeProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*subscription.ProviderSubscription, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()
	defer p.observe("subscription_cancel", time.Now())

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	ps := toProviderSubscription(sub)
	return &ps, nil
}

func (p *StripeProvider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.config.Timeout)
}

func (p *StripeProvider) observe(operation string, start time.Time) {
	p.metrics.RecordProviderLatency(operation, time.Since(start))
}

func toProviderSubscription(s *stripe.Subscription) subscription.ProviderSubscription {
	ps := subscription.ProviderSubscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.CurrentPeriodEnd > 0 {
		ps.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	return ps
}

// compile-time interface check
var _ subscription.Provider = (*StripeProvider)(nil)
