package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/swipeledger/internal/metrics"
	"github.com/hitoshi/swipeledger/internal/model"
)

// --- モック ---

type memSubRepo struct {
	records map[string]*model.SubscriptionRecord // userID -> record
	saves   int
	saveErr error
}

func newMemSubRepo(recs ...model.SubscriptionRecord) *memSubRepo {
	m := &memSubRepo{records: make(map[string]*model.SubscriptionRecord)}
	for i := range recs {
		r := recs[i]
		m.records[r.UserID] = &r
	}
	return m
}

func (m *memSubRepo) FindByEmail(_ context.Context, email string) (*model.SubscriptionRecord, error) {
	for _, r := range m.records {
		if r.Email == email {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSubRepo) FindByUserID(_ context.Context, userID string) (*model.SubscriptionRecord, error) {
	if r, ok := m.records[userID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *memSubRepo) FindByCustomerRef(_ context.Context, ref string) (*model.SubscriptionRecord, error) {
	for _, r := range m.records {
		if r.PaymentCustomerRef == ref {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSubRepo) Save(_ context.Context, rec *model.SubscriptionRecord) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, ok := m.records[rec.UserID]; !ok {
		return model.NewUserNotFoundError()
	}
	m.saves++
	cp := *rec
	m.records[rec.UserID] = &cp
	return nil
}

type mockUserRepo struct {
	subs *memSubRepo
}

func (m *mockUserRepo) FindByEmail(context.Context, string) (*model.User, error) {
	return nil, nil
}

func (m *mockUserRepo) EnsureByEmail(ctx context.Context, email string) (*model.User, error) {
	rec, _ := m.subs.FindByEmail(ctx, email)
	if rec == nil {
		rec = &model.SubscriptionRecord{
			UserID: "user-new",
			Email:  email,
			Type:   model.SubscriptionTypeStandard,
			Status: model.SubscriptionStatusInactive,
		}
		m.subs.records[rec.UserID] = rec
	}
	return &model.User{ID: rec.UserID, Email: email}, nil
}

type mockProvider struct {
	createFn func(ctx context.Context, params CheckoutParams) (string, error)
	listFn   func(ctx context.Context, customerRef string) ([]ProviderSubscription, error)
	cancelFn func(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error) {
	return m.createFn(ctx, params)
}

func (m *mockProvider) ListSubscriptions(ctx context.Context, customerRef string) ([]ProviderSubscription, error) {
	return m.listFn(ctx, customerRef)
}

func (m *mockProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	return m.cancelFn(ctx, subscriptionID)
}

type memDeduper struct {
	seen map[string]bool
}

func (d *memDeduper) Seen(_ context.Context, id string) (bool, error) {
	return d.seen[id], nil
}

func (d *memDeduper) MarkProcessed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.seen[id] = true
	return nil
}

type recordingNotifier struct {
	notices []string
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, _ model.SubscriptionRecord, notice string) error {
	n.notices = append(n.notices, notice)
	return n.err
}

type recordingMetrics struct {
	metrics.Nop
	events []string
}

func (r *recordingMetrics) RecordWebhookEvent(eventType, outcome string) {
	r.events = append(r.events, eventType+":"+outcome)
}

func newTestService(subs *memSubRepo, provider Provider, deduper Deduper, notifier Notifier, m metrics.MetricsCollector) *Service {
	return NewService(subs, &mockUserRepo{subs: subs}, provider, deduper, notifier, m, Config{
		TrialPeriodDays: 3,
		StoreTimeout:    time.Second,
		Clock:           func() time.Time { return now },
	})
}

// --- Checkout ---

func TestService_Checkout(t *testing.T) {
	subs := newMemSubRepo(freeRecord())
	var got CheckoutParams
	provider := &mockProvider{
		createFn: func(_ context.Context, params CheckoutParams) (string, error) {
			got = params
			return "https://checkout.example/session", nil
		},
	}

	svc := newTestService(subs, provider, nil, nil, nil)

	url, err := svc.Checkout(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://checkout.example/session" {
		t.Errorf("url = %q", url)
	}
	if got.UserID != "user-1" || got.Email != "a@example.com" || got.TrialDays != 3 {
		t.Errorf("params = %+v", got)
	}
}

func TestService_Checkout_TrialAlreadyUsed(t *testing.T) {
	rec := freeRecord()
	rec.TrialStartedAt = ptr(now.Add(-100 * time.Hour))
	provider := &mockProvider{
		createFn: func(context.Context, CheckoutParams) (string, error) {
			t.Error("provider must not be called")
			return "", nil
		},
	}

	svc := newTestService(newMemSubRepo(rec), provider, nil, nil, nil)

	_, err := svc.Checkout(context.Background(), "a@example.com")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeTrialAlreadyUsed {
		t.Errorf("error = %v, want TRIAL_ALREADY_USED", err)
	}
}

func TestService_Checkout_NotConfigured(t *testing.T) {
	svc := newTestService(newMemSubRepo(freeRecord()), nil, nil, nil, nil)

	_, err := svc.Checkout(context.Background(), "a@example.com")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNotConfigured {
		t.Errorf("error = %v, want NOT_CONFIGURED", err)
	}
}

func TestService_Checkout_ProviderFailure(t *testing.T) {
	cause := errors.New("stripe down")
	provider := &mockProvider{
		createFn: func(context.Context, CheckoutParams) (string, error) { return "", cause },
	}
	svc := newTestService(newMemSubRepo(freeRecord()), provider, nil, nil, nil)

	_, err := svc.Checkout(context.Background(), "a@example.com")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUpstreamFailure {
		t.Errorf("error = %v, want UPSTREAM_FAILURE", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be preserved")
	}
}

// --- Cancel ---

func TestService_Cancel_WithProvider(t *testing.T) {
	rec := trialRecord()
	rec.IsTrial = false
	rec.TrialEndDate = nil
	subs := newMemSubRepo(rec)
	periodEnd := now.Add(20 * 24 * time.Hour)

	var canceledID string
	provider := &mockProvider{
		listFn: func(_ context.Context, ref string) ([]ProviderSubscription, error) {
			if ref != "cus_123" {
				t.Errorf("customerRef = %q", ref)
			}
			return []ProviderSubscription{
				{ID: "sub_old", Status: ProviderStatusCanceled},
				{ID: "sub_active", Status: ProviderStatusActive, CurrentPeriodEnd: periodEnd},
			}, nil
		},
		cancelFn: func(_ context.Context, id string) (*ProviderSubscription, error) {
			canceledID = id
			return &ProviderSubscription{ID: id, Status: ProviderStatusActive, CancelAtPeriodEnd: true, CurrentPeriodEnd: periodEnd}, nil
		},
	}

	svc := newTestService(subs, provider, nil, nil, nil)

	res, err := svc.Cancel(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canceledID != "sub_active" {
		t.Errorf("canceled %q, want sub_active", canceledID)
	}
	if res.Status != model.SubscriptionStatusActive || !res.SubscriptionEndDate.Equal(periodEnd) {
		t.Errorf("result = %+v", res)
	}
	stored := subs.records["user-1"]
	if !stored.CancelAtPeriodEnd {
		t.Error("expected CancelAtPeriodEnd to be mirrored locally")
	}
}

func TestService_Cancel_AlreadyCanceling(t *testing.T) {
	periodEnd := now.Add(20 * 24 * time.Hour)
	rec := trialRecord()
	rec.IsTrial = false
	rec.TrialEndDate = nil
	rec.CancelAtPeriodEnd = true
	rec.SubscriptionEndDate = &periodEnd
	subs := newMemSubRepo(rec)

	provider := &mockProvider{
		listFn: func(context.Context, string) ([]ProviderSubscription, error) {
			return []ProviderSubscription{{ID: "sub_1", Status: ProviderStatusActive, CancelAtPeriodEnd: true}}, nil
		},
		cancelFn: func(context.Context, string) (*ProviderSubscription, error) {
			t.Error("cancel must not be called again")
			return nil, nil
		},
	}

	svc := newTestService(subs, provider, nil, nil, nil)

	res, err := svc.Cancel(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.SubscriptionEndDate.Equal(periodEnd) {
		t.Errorf("SubscriptionEndDate = %v", res.SubscriptionEndDate)
	}
}

func TestService_Cancel_PrepaymentTrial(t *testing.T) {
	rec := trialRecord()
	rec.PaymentCustomerRef = ""
	subs := newMemSubRepo(rec)

	svc := newTestService(subs, nil, nil, nil, nil)

	res, err := svc.Cancel(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.SubscriptionStatusInactive {
		t.Errorf("Status = %s", res.Status)
	}
	stored := subs.records["user-1"]
	if stored.IsTrial || stored.Type != model.SubscriptionTypeStandard {
		t.Errorf("stored = %+v", stored)
	}
}

func TestService_Cancel_NoActiveSubscription(t *testing.T) {
	svc := newTestService(newMemSubRepo(freeRecord()), nil, nil, nil, nil)

	_, err := svc.Cancel(context.Background(), "a@example.com")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNoActiveSubscription {
		t.Errorf("error = %v, want NO_ACTIVE_SUBSCRIPTION", err)
	}
}

func TestService_Cancel_UnknownAccount(t *testing.T) {
	svc := newTestService(newMemSubRepo(), nil, nil, nil, nil)

	_, err := svc.Cancel(context.Background(), "nobody@example.com")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
		t.Errorf("error = %v, want USER_NOT_FOUND", err)
	}
}

// --- Webhook ---

func TestService_HandleEvent_CheckoutCompleted(t *testing.T) {
	subs := newMemSubRepo(freeRecord())
	m := &recordingMetrics{}
	svc := newTestService(subs, nil, nil, nil, m)

	ev := Event{ID: "evt_1", Kind: EventCheckoutCompleted, CustomerRef: "cus_9", UserID: "user-1"}

	outcome, err := svc.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("outcome = %q", outcome)
	}
	stored := subs.records["user-1"]
	if !stored.IsTrial || stored.PaymentCustomerRef != "cus_9" {
		t.Errorf("stored = %+v", stored)
	}

	// 再送は既にトライアル開始済みとして無視される
	outcome, err = svc.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Errorf("replay outcome = %q", outcome)
	}
	if subs.saves != 1 {
		t.Errorf("saves = %d, want 1", subs.saves)
	}
}

func TestService_HandleEvent_CheckoutCompletedByEmail(t *testing.T) {
	subs := newMemSubRepo(freeRecord())
	svc := newTestService(subs, nil, nil, nil, nil)

	outcome, err := svc.HandleEvent(context.Background(), Event{
		Kind:        EventCheckoutCompleted,
		CustomerRef: "cus_9",
		UserID:      "missing",
		Email:       "a@example.com",
	})
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("outcome=%q err=%v", outcome, err)
	}
}

func TestService_HandleEvent_WithoutCustomerIsIgnored(t *testing.T) {
	subs := newMemSubRepo(freeRecord())
	svc := newTestService(subs, nil, nil, nil, nil)

	for _, kind := range []EventKind{EventCheckoutCompleted, EventSubscriptionUpdated, EventSubscriptionDeleted} {
		outcome, err := svc.HandleEvent(context.Background(), Event{ID: "evt_nocus", Kind: kind, UserID: "user-1"})
		if err != nil || outcome != OutcomeIgnored {
			t.Errorf("%s: outcome=%q err=%v", kind, outcome, err)
		}
	}
	if subs.saves != 0 {
		t.Errorf("saves = %d, want 0", subs.saves)
	}
}

func TestService_CompleteCheckout_UserNotFound(t *testing.T) {
	svc := newTestService(newMemSubRepo(), nil, nil, nil, nil)

	_, err := svc.CompleteCheckout(context.Background(), "cus_1", "user-x", "x@example.com")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
		t.Errorf("error = %v, want USER_NOT_FOUND", err)
	}
}

func TestService_HandleEvent_UnknownCustomerIsAcked(t *testing.T) {
	svc := newTestService(newMemSubRepo(freeRecord()), nil, nil, nil, nil)

	for _, kind := range []EventKind{EventTrialWillEnd, EventSubscriptionUpdated, EventSubscriptionDeleted} {
		outcome, err := svc.HandleEvent(context.Background(), Event{Kind: kind, CustomerRef: "cus_unknown"})
		if err != nil {
			t.Errorf("%s: unexpected error: %v", kind, err)
		}
		if outcome != OutcomeIgnored {
			t.Errorf("%s: outcome = %q", kind, outcome)
		}
	}
}

func TestService_HandleEvent_TrialWillEndNotifies(t *testing.T) {
	subs := newMemSubRepo(trialRecord())
	notifier := &recordingNotifier{err: errors.New("mail down")}
	svc := newTestService(subs, nil, nil, notifier, nil)

	outcome, err := svc.HandleEvent(context.Background(), Event{Kind: EventTrialWillEnd, CustomerRef: "cus_123"})
	if err != nil {
		t.Fatalf("notification failure must not fail the event: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("outcome = %q", outcome)
	}
	if len(notifier.notices) != 1 || notifier.notices[0] != NoticeTrialWillEnd {
		t.Errorf("notices = %v", notifier.notices)
	}
	if subs.saves != 0 {
		t.Errorf("saves = %d, want 0", subs.saves)
	}
}

func TestService_HandleEvent_SubscriptionDeletedReplay(t *testing.T) {
	subs := newMemSubRepo(trialRecord())
	svc := newTestService(subs, nil, nil, nil, nil)
	ev := Event{Kind: EventSubscriptionDeleted, CustomerRef: "cus_123"}

	if _, err := svc.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	once := *subs.records["user-1"]

	outcome, err := svc.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Errorf("outcome = %q", outcome)
	}
	twice := *subs.records["user-1"]
	if twice.Status != once.Status || twice.Type != once.Type || !twice.SubscriptionEndDate.Equal(*once.SubscriptionEndDate) {
		t.Errorf("replay changed state: %+v -> %+v", once, twice)
	}
}

func TestService_HandleEvent_Duplicate(t *testing.T) {
	subs := newMemSubRepo(trialRecord())
	deduper := &memDeduper{seen: map[string]bool{}}
	m := &recordingMetrics{}
	svc := newTestService(subs, nil, deduper, nil, m)

	ev := Event{ID: "evt_dup", Kind: EventSubscriptionUpdated, CustomerRef: "cus_123", Update: UpdateEvent{Status: ProviderStatusCanceled}}

	if _, err := svc.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, err := svc.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("outcome = %q", outcome)
	}
	if subs.saves != 1 {
		t.Errorf("saves = %d, want 1", subs.saves)
	}
	want := []string{
		string(EventSubscriptionUpdated) + ":" + OutcomeApplied,
		string(EventSubscriptionUpdated) + ":" + OutcomeDuplicate,
	}
	if len(m.events) != 2 || m.events[0] != want[0] || m.events[1] != want[1] {
		t.Errorf("events = %v", m.events)
	}
}

func TestService_HandleEvent_FailureIsNotRecorded(t *testing.T) {
	subs := newMemSubRepo(trialRecord())
	subs.saveErr = errors.New("db down")
	deduper := &memDeduper{seen: map[string]bool{}}
	svc := newTestService(subs, nil, deduper, nil, nil)

	ev := Event{ID: "evt_fail", Kind: EventSubscriptionDeleted, CustomerRef: "cus_123"}

	outcome, err := svc.HandleEvent(context.Background(), ev)
	if err == nil {
		t.Fatal("expected error")
	}
	if outcome != OutcomeFailed {
		t.Errorf("outcome = %q", outcome)
	}
	if deduper.seen["evt_fail"] {
		t.Error("failed event should not be recorded as processed")
	}

	// 再送は処理される
	subs.saveErr = nil
	outcome, err = svc.HandleEvent(context.Background(), ev)
	if err != nil || outcome != OutcomeApplied {
		t.Errorf("retry outcome=%q err=%v", outcome, err)
	}
	if !deduper.seen["evt_fail"] {
		t.Error("applied event should be recorded as processed")
	}
}

func TestService_HandleEvent_RecordsWithCanceledRequest(t *testing.T) {
	subs := newMemSubRepo(trialRecord())
	deduper := &memDeduper{seen: map[string]bool{}}
	svc := newTestService(subs, nil, deduper, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// キャンセル済みのコンテキストでも処理済みの記録は行われる
	ev := Event{ID: "evt_cancel", Kind: EventTrialWillEnd, CustomerRef: "cus_123"}
	if _, err := svc.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deduper.seen["evt_cancel"] {
		t.Error("event should be recorded even after the request is canceled")
	}
}

func TestService_HandleEvent_UnhandledKind(t *testing.T) {
	svc := newTestService(newMemSubRepo(), nil, nil, nil, nil)

	outcome, err := svc.HandleEvent(context.Background(), Event{Kind: "invoice.paid"})
	if err != nil || outcome != OutcomeIgnored {
		t.Errorf("outcome=%q err=%v", outcome, err)
	}
}
