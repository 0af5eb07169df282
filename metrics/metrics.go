package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 会话指标
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autofutures_active_sessions",
		Help: "Number of currently running bot sessions",
	})

	SessionStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autofutures_session_starts_total",
		Help: "Total number of bot session starts",
	})

	// 交易指标
	TradesOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autofutures_trades_opened_total",
		Help: "Total number of trades opened",
	})

	TradesClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autofutures_trades_closed_total",
		Help: "Total number of trades closed",
	})

	TradePnL = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autofutures_trade_pnl",
		Help:    "Per-trade realized PnL distribution",
		Buckets: []float64{-500, -100, -50, -10, -1, 0, 1, 10, 50, 100, 500},
	})

	IntentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autofutures_intent_failures_total",
		Help: "Total number of failed trade intents",
	}, []string{"kind"})

	// 网关指标
	GatewayRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autofutures_gateway_retries_total",
		Help: "Total number of gateway call retries",
	})

	// 事件指标
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autofutures_events_published_total",
		Help: "Total number of events published to the hub",
	}, []string{"type"})

	// HTTP/WebSocket 指标
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autofutures_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
	}, []string{"method", "path", "status"})

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autofutures_websocket_connections",
		Help: "Number of active websocket connections",
	})

	WebSocketResyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autofutures_websocket_resyncs_total",
		Help: "Total number of websocket snapshot resyncs",
	})

	// 系统指标，由监控采集器定期刷新
	SystemCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autofutures_system_cpu_percent",
		Help: "Host CPU usage percent",
	})

	SystemMemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autofutures_system_memory_percent",
		Help: "Host memory usage percent",
	})

	SystemGoroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autofutures_system_goroutines",
		Help: "Number of goroutines",
	})
)
