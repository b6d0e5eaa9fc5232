package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/swipeledger/internal/model"
)

// maxWebhookBytes はWebhookペイロードの上限。
const maxWebhookBytes = 64 << 10

// WebhookProcessor は署名付きペイロードを検証して処理するインターフェース。
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload []byte, signature string) (string, error)
}

// WebhookHandler は決済プロバイダからのWebhookを受け付けるHTTPハンドラー。
type WebhookHandler struct {
	processor WebhookProcessor
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// webhookResponse はWebhook受信のAPIレスポンス。
type webhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// Stripe はStripeのWebhookを処理する。
// 署名検証のため生のボディをそのまま渡す。
// 処理不要なイベントも200で応答し、プロバイダに再送させない。
// POST /api/webhooks/stripe
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			handleServiceError(w, r, model.NewValidationError("ペイロードが大きすぎます"))
			return
		}
		handleServiceError(w, r, model.NewValidationError("ペイロードの読み込みに失敗しました").WithCause(err))
		return
	}

	outcome, err := h.processor.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		slog.Warn("webhook processing failed",
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: outcome})
}
