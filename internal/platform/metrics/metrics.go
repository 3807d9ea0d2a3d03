package metrics

import (
	"net/http"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stage server.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      *prometheus.CounterVec
	tokensIssuedTotal  *prometheus.CounterVec
	broadcastsStarted  prometheus.Counter
	broadcastsEnded    prometheus.Counter
	activeBroadcasts   prometheus.Gauge
	presenceWrites     *prometheus.CounterVec
	signalPeers        prometheus.Gauge
	activeRelays       prometheus.Gauge
	relayWriteFailures prometheus.Counter
}

// New creates and registers the metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_http_requests_total",
			Help: "HTTP requests by route and status class",
		}, []string{"route", "status"}),
		tokensIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_tokens_issued_total",
			Help: "Transport credentials issued by role",
		}, []string{"role"}),
		broadcastsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stage_broadcasts_started_total",
			Help: "Broadcasts started",
		}),
		broadcastsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stage_broadcasts_ended_total",
			Help: "Broadcasts ended",
		}),
		activeBroadcasts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stage_active_broadcasts",
			Help: "Broadcasts currently active",
		}),
		presenceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_presence_writes_total",
			Help: "Presence record writes by operation",
		}, []string{"op"}),
		signalPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stage_signal_peers",
			Help: "Connected signaling peers",
		}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stage_active_relays",
			Help: "Published tracks currently relayed",
		}),
		relayWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stage_relay_write_failures_total",
			Help: "RTP writes to subscribers that failed",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.tokensIssuedTotal,
		m.broadcastsStarted,
		m.broadcastsEnded,
		m.activeBroadcasts,
		m.presenceWrites,
		m.signalPeers,
		m.activeRelays,
		m.relayWriteFailures,
	)
	return m
}

func (m *Metrics) IncRequests(route, status string) {
	m.requestsTotal.WithLabelValues(route, status).Inc()
}

func (m *Metrics) IncTokensIssued(role string) {
	m.tokensIssuedTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) IncBroadcastsStarted() { m.broadcastsStarted.Inc() }

func (m *Metrics) IncBroadcastsEnded() { m.broadcastsEnded.Inc() }

func (m *Metrics) SetActiveBroadcasts(n int) { m.activeBroadcasts.Set(float64(n)) }

func (m *Metrics) IncPresenceWrites(op string) {
	m.presenceWrites.WithLabelValues(op).Inc()
}

func (m *Metrics) SetSignalPeers(n int) { m.signalPeers.Set(float64(n)) }

func (m *Metrics) SetActiveRelays(n int) { m.activeRelays.Set(float64(n)) }

func (m *Metrics) IncRelayWriteFailures() { m.relayWriteFailures.Inc() }

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// BroadcastStarted and BroadcastEnded let Metrics observe the broadcast service.
func (m *Metrics) BroadcastStarted(domain.Broadcast) { m.IncBroadcastsStarted() }

func (m *Metrics) BroadcastEnded(domain.Broadcast) { m.IncBroadcastsEnded() }
