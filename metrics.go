package nitram

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the engine's Prometheus collectors. They register on the
// registerer supplied through the builder; with none supplied they land on
// a private registry so that multiple engines can coexist in one process.
type metrics struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	dispatchErrors    *prometheus.CounterVec
	pushBatches       prometheus.Counter
	pushMessages      *prometheus.CounterVec
	timeouts          prometheus.Counter
	framesRejected    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nitram_connections_total",
			Help: "Connections accepted since start.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nitram_connections_active",
			Help: "Currently open connections.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nitram_requests_total",
			Help: "Wire requests dispatched, by method and outcome.",
		}, []string{"method", "ok"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nitram_dispatch_errors_total",
			Help: "Dispatch failures, by kind.",
		}, []string{"kind"}),
		pushBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nitram_push_batches_total",
			Help: "Push batches written to clients.",
		}),
		pushMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nitram_push_messages_total",
			Help: "Push messages produced, by topic.",
		}, []string{"topic"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nitram_timeouts_total",
			Help: "Connections closed by heartbeat timeout.",
		}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nitram_frames_rejected_total",
			Help: "Inbound frames rejected before dispatch, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.connectionsTotal,
		m.connectionsActive,
		m.requestsTotal,
		m.dispatchErrors,
		m.pushBatches,
		m.pushMessages,
		m.timeouts,
		m.framesRejected,
	)
	return m
}
