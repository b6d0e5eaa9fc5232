package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/swipeledger/internal/subscription"
)

// SubscriptionServiceInterface はサブスクリプションハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	// Checkout はチェックアウトセッションを作成し、遷移先URLを返す。
	Checkout(ctx context.Context, email string) (string, error)
	// Cancel は期間終了時の解約を要求する。
	Cancel(ctx context.Context, email string) (*subscription.CancelResult, error)
}

// SubscriptionHandler はサブスクリプション管理のHTTPハンドラー。
type SubscriptionHandler struct {
	service SubscriptionServiceInterface
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
func NewSubscriptionHandler(service SubscriptionServiceInterface) *SubscriptionHandler {
	return &SubscriptionHandler{
		service: service,
	}
}

// checkoutResponse はチェックアウト開始のAPIレスポンス。
type checkoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
}

// cancelResponse は解約要求のAPIレスポンス。
type cancelResponse struct {
	Status              string     `json:"status"`
	SubscriptionEndDate *time.Time `json:"subscriptionEndDate"`
}

// Checkout はトライアル付きのチェックアウトセッションを作成する。
// POST /api/subscription/checkout
func (h *SubscriptionHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	account, err := accountFromRequest(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	url, err := h.service.Checkout(r.Context(), account.Value)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{CheckoutURL: url})
}

// Cancel は期間終了時の解約を要求する。トライアル中であればトライアルを終了する。
// POST /api/subscription/cancel
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	account, err := accountFromRequest(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	res, err := h.service.Cancel(r.Context(), account.Value)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cancelResponse{
		Status:              string(res.Status),
		SubscriptionEndDate: res.SubscriptionEndDate,
	})
}
