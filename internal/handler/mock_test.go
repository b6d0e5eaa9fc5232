package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/swipeledger/internal/learning"
	"github.com/hitoshi/swipeledger/internal/merge"
	"github.com/hitoshi/swipeledger/internal/middleware"
	"github.com/hitoshi/swipeledger/internal/model"
	"github.com/hitoshi/swipeledger/internal/subscription"
	"github.com/hitoshi/swipeledger/internal/usage"
)

// --- モック定義 ---

type mockUsageService struct {
	statusFn    func(ctx context.Context, id model.Identity) (*usage.Status, error)
	incrementFn func(ctx context.Context, id model.Identity) (*usage.IncrementResult, error)
}

func (m *mockUsageService) Status(ctx context.Context, id model.Identity) (*usage.Status, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, id)
	}
	return &usage.Status{}, nil
}

func (m *mockUsageService) Increment(ctx context.Context, id model.Identity) (*usage.IncrementResult, error) {
	if m.incrementFn != nil {
		return m.incrementFn(ctx, id)
	}
	return &usage.IncrementResult{}, nil
}

type mockMergeService struct {
	mergeFn func(ctx context.Context, req merge.Request) (*model.UsageRecord, error)
}

func (m *mockMergeService) Merge(ctx context.Context, req merge.Request) (*model.UsageRecord, error) {
	if m.mergeFn != nil {
		return m.mergeFn(ctx, req)
	}
	return &model.UsageRecord{}, nil
}

type mockSubscriptionService struct {
	checkoutFn func(ctx context.Context, email string) (string, error)
	cancelFn   func(ctx context.Context, email string) (*subscription.CancelResult, error)
}

func (m *mockSubscriptionService) Checkout(ctx context.Context, email string) (string, error) {
	if m.checkoutFn != nil {
		return m.checkoutFn(ctx, email)
	}
	return "", nil
}

func (m *mockSubscriptionService) Cancel(ctx context.Context, email string) (*subscription.CancelResult, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, email)
	}
	return &subscription.CancelResult{}, nil
}

type mockWebhookProcessor struct {
	processFn func(ctx context.Context, payload []byte, signature string) (string, error)
}

func (m *mockWebhookProcessor) ProcessWebhook(ctx context.Context, payload []byte, signature string) (string, error) {
	if m.processFn != nil {
		return m.processFn(ctx, payload, signature)
	}
	return subscription.OutcomeApplied, nil
}

type mockLearningService struct {
	forIdentityFn func(ctx context.Context, email string) (*learning.Result, error)
	saveItemFn    func(ctx context.Context, email, text, itemContext, lastMessage string) (*model.SavedItem, error)
}

func (m *mockLearningService) ForIdentity(ctx context.Context, email string) (*learning.Result, error) {
	if m.forIdentityFn != nil {
		return m.forIdentityFn(ctx, email)
	}
	return &learning.Result{}, nil
}

func (m *mockLearningService) SaveItem(ctx context.Context, email, text, itemContext, lastMessage string) (*model.SavedItem, error) {
	if m.saveItemFn != nil {
		return m.saveItemFn(ctx, email, text, itemContext, lastMessage)
	}
	return &model.SavedItem{}, nil
}

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(context.Context) error { return m.err }

var (
	testAccount = model.Identity{Kind: model.IdentityKindEmail, Value: "user@example.com"}
	testAddress = model.Identity{Kind: model.IdentityKindIPAddress, Value: "203.0.113.7"}
)

// withIdentity はIdentityMiddlewareを通過した状態のリクエストを作る。
func withIdentity(req *http.Request, id model.Identity) *http.Request {
	ctx := middleware.ContextWithIdentity(req.Context(), id)
	ctx = middleware.ContextWithClientAddress(ctx, testAddress)
	return req.WithContext(ctx)
}
