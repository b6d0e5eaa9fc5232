package billing

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/hitoshi/swipeledger/internal/model"
	"github.com/hitoshi/swipeledger/internal/subscription"
)

// WebhookParser はStripeの署名を検証し、イベントをsubscription.Eventに変換する。
type WebhookParser struct {
	secret string
}

// NewWebhookParser はWebhookParserを生成する。
func NewWebhookParser(secret string) *WebhookParser {
	return &WebhookParser{secret: secret}
}

// Parse はペイロードの署名を検証してイベントを返す。
// 署名が不正な場合はINVALID_SIGNATURE、データが解析できない場合はVALIDATION_ERRORを返す。
// customerのないイベントはCustomerRefを空のまま返し、処理側で無視する。
func (p *WebhookParser) Parse(payload []byte, signature string) (*subscription.Event, error) {
	if p.secret == "" {
		return nil, model.NewNotConfiguredError("webhook secret")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		slog.Warn("webhook signature verification failed", slog.String("error", err.Error()))
		return nil, model.NewInvalidSignatureError().WithCause(err)
	}

	ev := &subscription.Event{
		ID:   event.ID,
		Kind: subscription.EventKind(event.Type),
	}
	if event.Data == nil {
		return ev, nil
	}

	switch ev.Kind {
	case subscription.EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, model.NewValidationError("checkout sessionのペイロードが不正です").WithCause(err)
		}
		ev.CustomerRef = customerID(sess.Customer)
		ev.UserID = sess.ClientReferenceID
		if ev.UserID == "" {
			ev.UserID = sess.Metadata["user_id"]
		}
		ev.Email = sess.Metadata["email"]
		if ev.Email == "" && sess.CustomerDetails != nil {
			ev.Email = sess.CustomerDetails.Email
		}
		if ev.Email == "" {
			ev.Email = sess.CustomerEmail
		}

	case subscription.EventTrialWillEnd, subscription.EventSubscriptionUpdated, subscription.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, model.NewValidationError("subscriptionのペイロードが不正です").WithCause(err)
		}
		ev.CustomerRef = customerID(sub.Customer)
		ev.Update = subscription.UpdateEvent{
			Status:            string(sub.Status),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			PeriodEnd:         unixPtr(sub.CurrentPeriodEnd),
			TrialEnd:          unixPtr(sub.TrialEnd),
		}
	}

	return ev, nil
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func unixPtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
