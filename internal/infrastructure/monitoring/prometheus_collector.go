package monitoring

import (
	"time"

	"meshvoice/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshvoice"

// PrometheusCollector records session and relay-client metrics.
type PrometheusCollector struct {
	// Session
	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	peersConnected   prometheus.Gauge
	negotiations     *prometheus.CounterVec
	negotiationDrops *prometheus.CounterVec
	iceApplyFailures prometheus.Counter
	gateTransitions  *prometheus.CounterVec
	joinDuration     prometheus.Histogram

	// Relay
	relayMessages  *prometheus.CounterVec
	relayDiscarded *prometheus.CounterVec
	publishLatency prometheus.Histogram
}

var (
	_ ports.SessionMetrics = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics   = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers its metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently joined",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_joined_total",
			Help:      "Total number of successful joins",
		}),

		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of peer links in the connected state",
		}),

		negotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_descriptions_sent_total",
			Help:      "Session descriptions sent, by type",
		}, []string{"type"}),

		negotiationDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_descriptions_dropped_total",
			Help:      "Inbound session descriptions ignored, by reason",
		}, []string{"reason"}),

		iceApplyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_candidate_apply_failures_total",
			Help:      "Remote ICE candidates that could not be applied",
		}),

		gateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "noise_gate_transitions_total",
			Help:      "Noise gate transitions, by resulting state",
		}, []string{"state"}),

		joinDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "join_duration_seconds",
			Help:      "Time from join request to a running session",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Signaling messages handled by the relay client, by type and outcome",
		}, []string{"type", "outcome"}),

		relayDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_discarded_total",
			Help:      "Inbound signaling messages discarded, by reason",
		}, []string{"reason"}),

		publishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_publish_duration_seconds",
			Help:      "Duration of signaling publishes including retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

func (p *PrometheusCollector) SessionJoined() {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) SessionLeft() {
	p.sessionsActive.Dec()
	p.peersConnected.Set(0)
}

func (p *PrometheusCollector) PeersConnected(count int) {
	p.peersConnected.Set(float64(count))
}

func (p *PrometheusCollector) OfferSent()    { p.negotiations.WithLabelValues("offer").Inc() }
func (p *PrometheusCollector) AnswerSent()   { p.negotiations.WithLabelValues("answer").Inc() }
func (p *PrometheusCollector) GlareDropped() { p.negotiationDrops.WithLabelValues("glare").Inc() }
func (p *PrometheusCollector) StaleAnswerDropped() {
	p.negotiationDrops.WithLabelValues("stale_answer").Inc()
}
func (p *PrometheusCollector) IceApplyFailed() { p.iceApplyFailures.Inc() }

func (p *PrometheusCollector) OutboxDropped(msgType string) {
	p.relayMessages.WithLabelValues(msgType, "dropped").Inc()
}

func (p *PrometheusCollector) GateTransition(open bool) {
	state := "closed"
	if open {
		state = "open"
	}
	p.gateTransitions.WithLabelValues(state).Inc()
}

func (p *PrometheusCollector) JoinDuration(d time.Duration) {
	p.joinDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) MessageSent(msgType string) {
	p.relayMessages.WithLabelValues(msgType, "sent").Inc()
}

func (p *PrometheusCollector) SendFailed(msgType string) {
	p.relayMessages.WithLabelValues(msgType, "failed").Inc()
}

func (p *PrometheusCollector) MessageDelivered(msgType string) {
	p.relayMessages.WithLabelValues(msgType, "delivered").Inc()
}

func (p *PrometheusCollector) StaleDiscarded()   { p.relayDiscarded.WithLabelValues("stale").Inc() }
func (p *PrometheusCollector) DuplicateDropped() { p.relayDiscarded.WithLabelValues("duplicate").Inc() }

func (p *PrometheusCollector) PublishLatency(d time.Duration) {
	p.publishLatency.Observe(d.Seconds())
}

// RegisterRelayServer exposes relay server gauges backed by live readings.
func RegisterRelayServer(reg prometheus.Registerer, connections func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay_server",
		Name:      "connections",
		Help:      "Open participant connections",
	}, func() float64 { return float64(connections()) })
}
