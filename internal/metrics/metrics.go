// Package metrics はゲートウェイのPrometheusメトリクスを提供する。
package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "secgate"

// Metrics はゲートウェイのメトリクス一式を保持する。
// 専用のレジストリに登録するため、テストごとに独立したインスタンスを作れる。
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	gatewayDecisions    *prometheus.CounterVec
	authEvents          *prometheus.CounterVec
	dbOpenConnections   prometheus.Gauge
	dbInUseConnections  prometheus.Gauge
}

// New はMetricsを生成し、Goランタイムとプロセスのコレクターも登録する。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method, path pattern, and status class.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		gatewayDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_decisions_total",
				Help:      "Security gateway decisions by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),
		authEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_events_total",
				Help:      "Account registration and login attempts by result.",
			},
			[]string{"event", "result"},
		),
		dbOpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_open_connections",
			Help:      "Number of open database connections.",
		}),
		dbInUseConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_in_use_connections",
			Help:      "Number of database connections currently in use.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.gatewayDecisions,
		m.authEvents,
		m.dbOpenConnections,
		m.dbInUseConnections,
	)
	return m
}

// Registry はメトリクスを登録しているレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDecision はゲートウェイの判定結果を数える。
func (m *Metrics) RecordDecision(stage, outcome string) {
	m.gatewayDecisions.WithLabelValues(stage, outcome).Inc()
}

// RecordAuth は登録やログインの結果を数える。
func (m *Metrics) RecordAuth(event, result string) {
	m.authEvents.WithLabelValues(event, result).Inc()
}

// RegisterGaugeFunc は呼び出し時に値を算出するゲージを登録する。
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		fn,
	))
}

// StartDBStatsCollector はinterval毎にsql.DBStatsをゲージに反映する。
// ctxが終了するまで戻らないため、ゴルーチンで呼び出す。
func (m *Metrics) StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			m.dbOpenConnections.Set(float64(stats.OpenConnections))
			m.dbInUseConnections.Set(float64(stats.InUse))
		}
	}
}

// Middleware はリクエスト数と処理時間を記録するGinミドルウェアを返す。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			// 未定義のルートはパスごとに系列が増えないようまとめる
			path = "unmatched"
		}
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler は/metricsエンドポイントのハンドラーを返す。
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return gin.WrapH(h)
}

// statusBucket はステータスコードを2xx、4xxのような区分にまとめる。
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
