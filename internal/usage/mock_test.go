package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hitoshi/swipeledger/internal/model"
)

// --- テスト用モック ---

// memUsageRepo はメモリ上でUsageRepositoryの振る舞いを再現するモック。
type memUsageRepo struct {
	mu      sync.Mutex
	records map[model.Identity]*model.UsageRecord

	incrementErr error
	resetErr     error
	resetCalls   int
	archived     []string
	// pruneHadDeadline はPruneHistoryに渡されたコンテキストに期限があったかどうか。
	pruneHadDeadline bool
}

func newMemUsageRepo() *memUsageRepo {
	return &memUsageRepo{records: make(map[model.Identity]*model.UsageRecord)}
}

func (m *memUsageRepo) put(rec *model.UsageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.History == nil && rec.Identity.IsAuthenticated() {
		rec.History = model.UsageHistory{}
	}
	m.records[rec.Identity] = rec
}

func (m *memUsageRepo) get(id model.Identity) *model.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

func (m *memUsageRepo) GetOrCreate(_ context.Context, id model.Identity) (*model.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		rec = &model.UsageRecord{Identity: id, LastReset: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		if id.IsAuthenticated() {
			rec.UserID = "user-" + id.Value
			rec.History = model.UsageHistory{}
		}
		m.records[id] = rec
	}
	cp := *rec
	return &cp, nil
}

// ResetIfStale はPostgresUsageRepo.ResetIfStaleのSQLと同じ規則を再現する。
// 条件付きでリセットし、履歴の既存値とdaily_usageの大きい方を残す（GREATESTによるjsonb_set）。
func (m *memUsageRepo) ResetIfStale(_ context.Context, id model.Identity, midnight, now time.Time, archiveDay string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls++
	if m.resetErr != nil {
		return false, m.resetErr
	}
	rec, ok := m.records[id]
	if !ok || !rec.LastReset.Before(midnight) {
		return false, nil
	}
	if id.IsAuthenticated() && rec.DailyUsage > 0 {
		if rec.History[archiveDay] < rec.DailyUsage {
			rec.History[archiveDay] = rec.DailyUsage
		}
		m.archived = append(m.archived, archiveDay)
	}
	rec.DailyUsage = 0
	rec.LastReset = now
	return true, nil
}

func (m *memUsageRepo) Increment(_ context.Context, id model.Identity, now time.Time, day string) (*model.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrementErr != nil {
		return nil, m.incrementErr
	}
	rec, ok := m.records[id]
	if !ok {
		if id.IsAuthenticated() {
			return nil, model.NewUserNotFoundError()
		}
		rec = &model.UsageRecord{Identity: id, LastReset: now}
		m.records[id] = rec
	}
	rec.DailyUsage++
	rec.TotalUsage++
	if id.IsAuthenticated() {
		t := now
		rec.LastUsed = &t
		rec.History[day]++
	}
	cp := *rec
	return &cp, nil
}

func (m *memUsageRepo) AddToAccount(_ context.Context, email string, counts model.UsageCounts, _ time.Time) (*model.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[model.Identity{Kind: model.IdentityKindEmail, Value: email}]
	if !ok {
		return nil, model.NewUserNotFoundError()
	}
	rec.DailyUsage += counts.DailyUsage
	rec.TotalUsage += counts.TotalUsage
	cp := *rec
	return &cp, nil
}

func (m *memUsageRepo) ClearAnonymousDaily(_ context.Context, ip string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[model.Identity{Kind: model.IdentityKindIPAddress, Value: ip}]; ok {
		rec.DailyUsage = 0
	}
	return nil
}

func (m *memUsageRepo) PruneHistory(ctx context.Context, cutoff string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, m.pruneHadDeadline = ctx.Deadline()
	var n int64
	for _, rec := range m.records {
		if !rec.Identity.IsAuthenticated() {
			continue
		}
		pruned := rec.History.Prune(cutoff)
		if len(pruned) != len(rec.History) {
			rec.History = pruned
			n++
		}
	}
	return n, nil
}

// mockSubRepo はSubscriptionRepositoryのモック。
type mockSubRepo struct {
	findByEmailFn func(ctx context.Context, email string) (*model.SubscriptionRecord, error)
}

func (m *mockSubRepo) FindByEmail(ctx context.Context, email string) (*model.SubscriptionRecord, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}
func (m *mockSubRepo) FindByUserID(ctx context.Context, userID string) (*model.SubscriptionRecord, error) {
	return nil, nil
}
func (m *mockSubRepo) FindByCustomerRef(ctx context.Context, customerRef string) (*model.SubscriptionRecord, error) {
	return nil, nil
}
func (m *mockSubRepo) Save(ctx context.Context, rec *model.SubscriptionRecord) error {
	return errors.New("not implemented")
}

// fakeMetrics は記録されたメトリクスを数える。
type fakeMetrics struct {
	mu         sync.Mutex
	increments int
	resets     int
	denied     []string
	pruned     int64
}

func (f *fakeMetrics) RecordUsageIncrement(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments++
}

func (f *fakeMetrics) RecordUsageDenied(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied = append(f.denied, reason)
}

func (f *fakeMetrics) RecordUsageReset(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeMetrics) RecordHistoryPruned(rows int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned += rows
}

func (f *fakeMetrics) RecordMerge(string)                          {}
func (f *fakeMetrics) RecordWebhookEvent(string, string)           {}
func (f *fakeMetrics) RecordProviderLatency(string, time.Duration) {}

var (
	emailID = model.Identity{Kind: model.IdentityKindEmail, Value: "a@example.com"}
	ipID    = model.Identity{Kind: model.IdentityKindIPAddress, Value: "203.0.113.7"}
)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func newTestLedger(repo *memUsageRepo, m *fakeMetrics, now time.Time) *Ledger {
	l := NewLedger(repo, m, LedgerConfig{Location: mustLoad("America/New_York"), StoreTimeout: time.Second})
	l.now = func() time.Time { return now }
	return l
}
