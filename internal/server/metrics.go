package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the host's Prometheus surface. A nil *Metrics is a no-op.
type Metrics struct {
	activeSessions    prometheus.Gauge
	sessionTotal      prometheus.Counter
	frameErrors       *prometheus.CounterVec
	frameLatency      *prometheus.HistogramVec
	walletRequests    *prometheus.CounterVec
	walletResolutions *prometheus.CounterVec
	duplicates        prometheus.Counter
	keygenDegraded    prometheus.Counter
}

// NewMetrics registers the host collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miniapp_shell_sessions_active",
			Help: "Current number of open shell streams.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miniapp_shell_sessions_total",
			Help: "Total number of shell streams handled since start.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miniapp_frame_errors_total",
			Help: "Shell frame validation or routing errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miniapp_frame_latency_seconds",
			Help:    "Latency for handling shell frames.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		walletRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miniapp_wallet_requests_total",
			Help: "Wallet JSON-RPC calls by method.",
		}, []string{"method"}),
		walletResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miniapp_wallet_resolutions_total",
			Help: "Pending wallet requests resolved, grouped by outcome.",
		}, []string{"outcome"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miniapp_deeplink_duplicates_total",
			Help: "Wallet returns dropped as duplicate deliveries.",
		}),
		keygenDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miniapp_keygen_degraded_total",
			Help: "Key pairs produced by the degraded generator.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.frameErrors,
		m.frameLatency,
		m.walletRequests,
		m.walletResolutions,
		m.duplicates,
		m.keygenDegraded,
	)
	return m
}

func (m *Metrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *Metrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *Metrics) WalletRequest(method string) {
	if m == nil {
		return
	}
	m.walletRequests.WithLabelValues(method).Inc()
}

func (m *Metrics) WalletResolution(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.walletResolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DeeplinkDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// KeygenDegraded is passed to walletcrypto.WithDegradedHook.
func (m *Metrics) KeygenDegraded() {
	if m == nil {
		return
	}
	m.keygenDegraded.Inc()
}
