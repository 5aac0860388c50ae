package monitoring

import (
	"github.com/Hood-Codivo/streamcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsSink for the relay.
type PrometheusCollector struct {
	sessionsActive  prometheus.Gauge
	viewersAttached *prometheus.GaugeVec
	eventsRelayed   *prometheus.CounterVec
	joinsDenied     *prometheus.CounterVec
	wsConnections   prometheus.Gauge
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_sessions_active",
			Help: "Number of live broadcast sessions",
		}),

		viewersAttached: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamcast_viewers_attached",
			Help: "Number of viewers attached per session",
		}, []string{"session_id"}),

		eventsRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_signal_events_relayed_total",
			Help: "Signaling events forwarded between peers, by event type",
		}, []string{"event"}),

		joinsDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_joins_denied_total",
			Help: "Viewer join attempts denied, by reason",
		}, []string{"reason"}),

		wsConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_ws_connections",
			Help: "Open signaling websocket connections",
		}),
	}
}

func (p *PrometheusCollector) SessionStarted() {
	p.sessionsActive.Inc()
}

func (p *PrometheusCollector) SessionEnded() {
	p.sessionsActive.Dec()
}

func (p *PrometheusCollector) ViewerAttached(session domain.SessionID) {
	p.viewersAttached.WithLabelValues(string(session)).Inc()
}

func (p *PrometheusCollector) ViewerDetached(session domain.SessionID) {
	p.viewersAttached.WithLabelValues(string(session)).Dec()
}

func (p *PrometheusCollector) EventRelayed(event string) {
	p.eventsRelayed.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) JoinDenied(reason string) {
	p.joinsDenied.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.wsConnections.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.wsConnections.Dec()
}
