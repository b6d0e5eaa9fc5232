package handler

import (
	"context"

	"github.com/hitoshi/swipeledger/internal/subscription"
)

// EventParser はWebhookのペイロードを検証してイベントに変換するインターフェース。
// billing.WebhookParserが実装する。
type EventParser interface {
	Parse(payload []byte, signature string) (*subscription.Event, error)
}

// EventHandler は検証済みイベントを処理するインターフェース。
// subscription.Serviceが実装する。
type EventHandler interface {
	HandleEvent(ctx context.Context, ev subscription.Event) (string, error)
}

// WebhookAdapter は署名検証とイベント処理を WebhookProcessor に適合させるアダプタ。
type WebhookAdapter struct {
	parser  EventParser
	handler EventHandler
}

// NewWebhookAdapter はWebhookAdapterを生成する。
func NewWebhookAdapter(parser EventParser, handler EventHandler) *WebhookAdapter {
	return &WebhookAdapter{parser: parser, handler: handler}
}

// ProcessWebhook はペイロードを検証し、イベントを処理して結果を返す。
func (a *WebhookAdapter) ProcessWebhook(ctx context.Context, payload []byte, signature string) (string, error) {
	ev, err := a.parser.Parse(payload, signature)
	if err != nil {
		return subscription.OutcomeFailed, err
	}
	return a.handler.HandleEvent(ctx, *ev)
}
