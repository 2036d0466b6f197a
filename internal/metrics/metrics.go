// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス層から利用する。
type MetricsCollector interface {
	RecordLoginSuccess(provider string)
	RecordLoginFallthrough(provider, step string)
	RecordLoginDenied(provider string)
	RecordExchangeLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginSuccess     *prometheus.CounterVec
	loginFallthrough *prometheus.CounterVec
	loginDenied      *prometheus.CounterVec
	exchangeLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inkline_login_success_total",
			Help: "ログイン成功の合計数（プロバイダ別）",
		}, []string{"provider"}),
		loginFallthrough: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inkline_login_fallthrough_total",
			Help: "デフォルトハンドラーに委譲されたログイン失敗の合計数（プロバイダ・ステップ別）",
		}, []string{"provider", "step"}),
		loginDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inkline_login_denied_total",
			Help: "拒否されたログイン試行の合計数（プロバイダ別）",
		}, []string{"provider"}),
		exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inkline_token_exchange_latency_seconds",
			Help:    "認可コード交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.loginSuccess,
		c.loginFallthrough,
		c.loginDenied,
		c.exchangeLatency,
	)

	return c
}

// RecordLoginSuccess はログイン成功を記録する。
func (c *Collector) RecordLoginSuccess(provider string) {
	c.loginSuccess.WithLabelValues(provider).Inc()
}

// RecordLoginFallthrough はソフト失敗によるフォールスルーを記録する。
func (c *Collector) RecordLoginFallthrough(provider, step string) {
	c.loginFallthrough.WithLabelValues(provider, step).Inc()
}

// RecordLoginDenied はログイン拒否を記録する。
func (c *Collector) RecordLoginDenied(provider string) {
	c.loginDenied.WithLabelValues(provider).Inc()
}

// RecordExchangeLatency は認可コード交換のレイテンシを記録する。
func (c *Collector) RecordExchangeLatency(duration time.Duration) {
	c.exchangeLatency.Observe(duration.Seconds())
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
