// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス記録のインターフェース。
// チャンネル管理、通知処理、ワーカーから利用する。
type Recorder interface {
	RecordNotification(outcome string)
	RecordFanout(succeeded, failed int)
	RecordChannelOperation(op, result string)
	SetActiveChannels(n int)
	RecordMappingRefresh(result string)
	SetActiveMappings(n int)
	SetDedupEntries(n int)
	ObserveWebhookLatency(d time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	notifications  *prometheus.CounterVec
	fanout         *prometheus.CounterVec
	channelOps     *prometheus.CounterVec
	activeChannels prometheus.Gauge
	mappingRefresh *prometheus.CounterVec
	activeMappings prometheus.Gauge
	dedupEntries   prometheus.Gauge
	webhookLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calrelay_notifications_total",
			Help: "受信したプッシュ通知の処理結果別の合計数",
		}, []string{"outcome"}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calrelay_fanout_total",
			Help: "secondaryへのファンアウト結果別の合計数",
		}, []string{"result"}),
		channelOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calrelay_channel_operations_total",
			Help: "チャンネル操作（作成、更新、停止）の結果別の合計数",
		}, []string{"op", "result"}),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calrelay_channels_active",
			Help: "有効なチャンネル数",
		}),
		mappingRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calrelay_mapping_refresh_total",
			Help: "マッピング再読み込みの結果別の合計数",
		}, []string{"result"}),
		activeMappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calrelay_mappings_active",
			Help: "有効なユーザーマッピング数",
		}),
		dedupEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calrelay_dedup_entries",
			Help: "重複排除キャッシュが保持するエントリ数",
		}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "calrelay_webhook_latency_seconds",
			Help:    "Webhook処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.notifications,
		c.fanout,
		c.channelOps,
		c.activeChannels,
		c.mappingRefresh,
		c.activeMappings,
		c.dedupEntries,
		c.webhookLatency,
	)

	return c
}

// RecordNotification は通知の処理結果を記録する。
func (c *Collector) RecordNotification(outcome string) {
	c.notifications.WithLabelValues(outcome).Inc()
}

// RecordFanout はファンアウトの成功数と失敗数を記録する。
func (c *Collector) RecordFanout(succeeded, failed int) {
	if succeeded > 0 {
		c.fanout.WithLabelValues("success").Add(float64(succeeded))
	}
	if failed > 0 {
		c.fanout.WithLabelValues("failure").Add(float64(failed))
	}
}

// RecordChannelOperation はチャンネル操作の結果を記録する。
func (c *Collector) RecordChannelOperation(op, result string) {
	c.channelOps.WithLabelValues(op, result).Inc()
}

// SetActiveChannels は有効なチャンネル数を設定する。
func (c *Collector) SetActiveChannels(n int) {
	c.activeChannels.Set(float64(n))
}

// RecordMappingRefresh はマッピング再読み込みの結果を記録する。
func (c *Collector) RecordMappingRefresh(result string) {
	c.mappingRefresh.WithLabelValues(result).Inc()
}

// SetActiveMappings は有効なマッピング数を設定する。
func (c *Collector) SetActiveMappings(n int) {
	c.activeMappings.Set(float64(n))
}

// SetDedupEntries は重複排除キャッシュのエントリ数を設定する。
func (c *Collector) SetDedupEntries(n int) {
	c.dedupEntries.Set(float64(n))
}

// ObserveWebhookLatency はWebhook処理のレイテンシを記録する。
func (c *Collector) ObserveWebhookLatency(d time.Duration) {
	c.webhookLatency.Observe(d.Seconds())
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordNotification(string) {}
func (Nop) RecordFanout(int, int) {}
func (Nop) RecordChannelOperation(string, string) {}
func (Nop) SetActiveChannels(int) {}
func (Nop) RecordMappingRefresh(string) {}
func (Nop) SetActiveMappings(int) {}
func (Nop) SetDedupEntries(int) {}
func (Nop) ObserveWebhookLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
