// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層やワーカーから利用する。
type MetricsCollector interface {
	RecordUsageIncrement(identityKind string)
	RecordUsageDenied(reason string)
	RecordUsageReset(identityKind string)
	RecordMerge(outcome string)
	RecordWebhookEvent(eventType, outcome string)
	RecordProviderLatency(operation string, duration time.Duration)
	RecordHistoryPruned(rows int64)
}

// マージ結果のラベル値
const (
	MergeOutcomeMerged  = "merged"
	MergeOutcomePartial = "partial"
	MergeOutcomeFailed  = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	usageIncrements  *prometheus.CounterVec
	usageDenied      *prometheus.CounterVec
	usageResets      *prometheus.CounterVec
	merges           *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	historyPrunedRow prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		usageIncrements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swipeledger_usage_increments_total",
			Help: "利用回数の加算数（Identity種別ごと）",
		}, []string{"identity_kind"}),
		usageDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swipeledger_usage_denied_total",
			Help: "上限到達により拒否された利用の数",
		}, []string{"reason"}),
		usageResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swipeledger_usage_resets_total",
			Help: "日次リセットの実行数",
		}, []string{"identity_kind"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swipeledger_merges_total",
			Help: "匿名利用量のマージ数（結果ごと）",
		}, []string{"outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swipeledger_webhook_events_total",
			Help: "決済Webhookイベントの処理数",
		}, []string{"event_type", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swipeledger_provider_latency_seconds",
			Help:    "決済プロバイダ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		historyPrunedRow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swipeledger_history_pruned_rows_total",
			Help: "利用履歴の保持期間切れで更新したアカウント数",
		}),
	}

	reg.MustRegister(
		c.usageIncrements,
		c.usageDenied,
		c.usageResets,
		c.merges,
		c.webhookEvents,
		c.providerLatency,
		c.historyPrunedRow,
	)

	return c
}

// RecordUsageIncrement は利用回数の加算を記録する。
func (c *Collector) RecordUsageIncrement(identityKind string) {
	c.usageIncrements.WithLabelValues(identityKind).Inc()
}

// RecordUsageDenied は上限到達による拒否を記録する。
// reasonは "requires_upgrade" または "requires_sign_in"。
func (c *Collector) RecordUsageDenied(reason string) {
	c.usageDenied.WithLabelValues(reason).Inc()
}

// RecordUsageReset は日次リセットを記録する。
func (c *Collector) RecordUsageReset(identityKind string) {
	c.usageResets.WithLabelValues(identityKind).Inc()
}

// RecordMerge はマージ結果を記録する。
func (c *Collector) RecordMerge(outcome string) {
	c.merges.WithLabelValues(outcome).Inc()
}

// RecordWebhookEvent はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(eventType, outcome string) {
	c.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordProviderLatency は決済プロバイダ呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHistoryPruned は履歴削除で更新した行数を記録する。
func (c *Collector) RecordHistoryPruned(rows int64) {
	c.historyPrunedRow.Add(float64(rows))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordUsageIncrement(string)                 {}
func (Nop) RecordUsageDenied(string)                    {}
func (Nop) RecordUsageReset(string)                     {}
func (Nop) RecordMerge(string)                          {}
func (Nop) RecordWebhookEvent(string, string)           {}
func (Nop) RecordProviderLatency(string, time.Duration) {}
func (Nop) RecordHistoryPruned(int64)                   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
