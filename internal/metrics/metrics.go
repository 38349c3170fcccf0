// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/moody/internal/feed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// フィード、投稿サービス、認証サービス、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	feed.Observer
	RecordPostWrite(op string)
	RecordAuthEvent(event string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	openFeeds           prometheus.Gauge
	feedPublishes       prometheus.Counter
	feedSize            prometheus.Histogram
	subscriptionFailure *prometheus.CounterVec
	postWrites          *prometheus.CounterVec
	authEvents          *prometheus.CounterVec
	httpStatus          *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		openFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moody_feeds_open",
			Help: "購読中のライブフィード数",
		}),
		feedPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moody_feed_publishes_total",
			Help: "フィード状態の公開回数",
		}),
		feedSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "moody_feed_posts",
			Help:    "公開時のフィードの投稿数",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		subscriptionFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moody_feed_subscription_failures_total",
			Help: "購読種別ごとのライブ購読失敗数",
		}, []string{"source"}),
		postWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moody_post_writes_total",
			Help: "操作別の投稿書き込み数",
		}, []string{"op"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moody_auth_events_total",
			Help: "種別ごとの認証イベント数",
		}, []string{"event"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moody_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.openFeeds,
		c.feedPublishes,
		c.feedSize,
		c.subscriptionFailure,
		c.postWrites,
		c.authEvents,
		c.httpStatus,
	)

	return c
}

// FeedOpened はフィードの開始を記録する。
func (c *Collector) FeedOpened() {
	c.openFeeds.Inc()
}

// FeedClosed はフィードの終了を記録する。
func (c *Collector) FeedClosed() {
	c.openFeeds.Dec()
}

// FeedPublished はフィード状態の公開を記録する。
func (c *Collector) FeedPublished(posts int) {
	c.feedPublishes.Inc()
	c.feedSize.Observe(float64(posts))
}

// SubscriptionFailed は購読失敗を記録する。
func (c *Collector) SubscriptionFailed(source feed.Source) {
	c.subscriptionFailure.WithLabelValues(source.String()).Inc()
}

// RecordPostWrite は投稿の書き込み（create, update, delete）を記録する。
func (c *Collector) RecordPostWrite(op string) {
	c.postWrites.WithLabelValues(op).Inc()
}

// RecordAuthEvent は認証イベント（signup, signin, signout, verify など）を記録する。
func (c *Collector) RecordAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

var _ MetricsCollector = (*Collector)(nil)
