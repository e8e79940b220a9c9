// Package metrics はゲートウェイのPrometheusメトリクスを定義する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はゲートウェイが記録するメトリクスの集合。
type Metrics struct {
	// RequestsTotal はルート・ステータス・エラー種別ごとのリクエスト数。
	RequestsTotal *prometheus.CounterVec
	// DispatchDuration はバックエンド呼び出しの所要時間。
	DispatchDuration *prometheus.HistogramVec
	// TokenRefreshes は期限切れトークンの透過的な更新の結果。
	TokenRefreshes *prometheus.CounterVec
	// KeySetRefreshes は検証鍵セットの取得結果。
	KeySetRefreshes *prometheus.CounterVec
	// DiscoveryRefreshes はサービス一覧の読み込み結果。
	DiscoveryRefreshes *prometheus.CounterVec
	// ProfileSyncs はIdPへのプロフィール反映の結果。
	ProfileSyncs *prometheus.CounterVec

	registry *prometheus.Registry
}

// New は専用レジストリにメトリクスを登録して返す。
func New() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bookshelf_gateway",
				Name:      "requests_total",
				Help:      "Total number of gateway requests",
			},
			[]string{"route", "status", "error_type"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bookshelf_gateway",
				Name:      "dispatch_duration_seconds",
				Help:      "Histogram of backend call latency",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "status"},
		),
		TokenRefreshes:     newResultCounter("token_refreshes_total", "Results of transparent access token refreshes"),
		KeySetRefreshes:    newResultCounter("keyset_refreshes_total", "Results of verification key set fetches"),
		DiscoveryRefreshes: newResultCounter("discovery_refreshes_total", "Results of service table reloads"),
		ProfileSyncs:       newResultCounter("profile_syncs_total", "Results of identity provider profile pushes"),
		registry:           prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.DispatchDuration,
		m.TokenRefreshes,
		m.KeySetRefreshes,
		m.DiscoveryRefreshes,
		m.ProfileSyncs,
	)
	return m
}

func newResultCounter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bookshelf_gateway", Name: name, Help: help},
		[]string{"result"},
	)
}

// Registry はメトリクスを登録したレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics エンドポイント用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Result はエラーの有無を result ラベルの値にする。
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ResultHook は結果を指定カウンタに記録する関数を返す。
func ResultHook(c *prometheus.CounterVec) func(error) {
	return func(err error) {
		c.WithLabelValues(Result(err)).Inc()
	}
}
