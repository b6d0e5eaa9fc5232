package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名・ラベルのメトリクスを返す。見つからない場合はnil。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestRecordUsageIncrement_CountsPerKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUsageIncrement("email")
	c.RecordUsageIncrement("email")
	c.RecordUsageIncrement("ip")

	m := findMetric(t, reg, "swipeledger_usage_increments_total", map[string]string{"identity_kind": "email"})
	if m == nil {
		t.Fatal("metric for identity_kind=email not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("usage_increments_total{email} = %v, want 2", v)
	}
}

func TestRecordUsageDeniedAndReset(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUsageDenied("requires_sign_in")
	c.RecordUsageReset("ip")

	if m := findMetric(t, reg, "swipeledger_usage_denied_total", map[string]string{"reason": "requires_sign_in"}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("expected usage_denied_total{requires_sign_in} = 1")
	}
	if m := findMetric(t, reg, "swipeledger_usage_resets_total", map[string]string{"identity_kind": "ip"}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("expected usage_resets_total{ip} = 1")
	}
}

func TestRecordMerge_Outcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMerge(MergeOutcomeMerged)
	c.RecordMerge(MergeOutcomePartial)

	if m := findMetric(t, reg, "swipeledger_merges_total", map[string]string{"outcome": MergeOutcomePartial}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("expected merges_total{partial} = 1")
	}
}

func TestRecordWebhookEvent_Labels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordWebhookEvent("customer.subscription.deleted", "processed")

	m := findMetric(t, reg, "swipeledger_webhook_events_total", map[string]string{
		"event_type": "customer.subscription.deleted",
		"outcome":    "processed",
	})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("expected webhook_events_total = 1")
	}
}

func TestRecordProviderLatency_Observes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProviderLatency("checkout_session", 250*time.Millisecond)

	m := findMetric(t, reg, "swipeledger_provider_latency_seconds", map[string]string{"operation": "checkout_session"})
	if m == nil {
		t.Fatal("provider latency metric not found")
	}
	if n := m.GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("sample count = %d, want 1", n)
	}
}

func TestRecordHistoryPruned_Adds(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHistoryPruned(3)
	c.RecordHistoryPruned(4)

	m := findMetric(t, reg, "swipeledger_history_pruned_rows_total", nil)
	if m == nil || m.GetCounter().GetValue() != 7 {
		t.Error("expected history_pruned_rows_total = 7")
	}
}
