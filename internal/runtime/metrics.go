package runtime

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
)

// DeliveryMetrics counts relay attempts, consumption outcomes and tracking
// progress. A nil *DeliveryMetrics records nothing.
type DeliveryMetrics struct {
	mu sync.Mutex

	publishAttempts *prometheus.CounterVec
	publishedTotal  *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	handleSeconds   *prometheus.HistogramVec
	trackingToken   *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// NewDeliveryMetrics creates the collectors. A nil registerer uses the default one.
func NewDeliveryMetrics(registerer prometheus.Registerer) *DeliveryMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DeliveryMetrics{
		registerer: registerer,
		publishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "relay",
			Name:      "publish_attempts_total",
			Help:      "Publish attempts by result",
		}, []string{"result"}),
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "relay",
			Name:      "published_events_total",
			Help:      "Events delivered to the bus",
		}, []string{"tenant_id"}),
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "consumer",
			Name:      "outcomes_total",
			Help:      "Consumed messages by processor and outcome",
		}, []string{"processor", "outcome"}),
		handleSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventcore",
			Subsystem: "consumer",
			Name:      "handle_duration_seconds",
			Help:      "Handler execution time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"processor"}),
		trackingToken: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eventcore",
			Subsystem: "tracking",
			Name:      "token_position",
			Help:      "Global sequence id of the last stored tracking token",
		}, []string{"processor", "segment"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *DeliveryMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.publishAttempts,
		m.publishedTotal,
		m.outcomesTotal,
		m.handleSeconds,
		m.trackingToken,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *DeliveryMetrics) observeAttempt(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishAttempts.WithLabelValues(result).Inc()
}

func (m *DeliveryMetrics) observePublished(tenantID string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(tenantID).Inc()
}

func (m *DeliveryMetrics) observeOutcome(processor string, outcome errspkg.Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(processor, outcome.String()).Inc()
	if outcome == errspkg.OutcomeApplied || outcome == errspkg.OutcomeRetry || outcome == errspkg.OutcomePoison {
		m.handleSeconds.WithLabelValues(processor).Observe(seconds)
	}
}

func (m *DeliveryMetrics) observeToken(processor string, segment int, position int64) {
	if m == nil {
		return
	}
	m.trackingToken.WithLabelValues(processor, strconv.Itoa(segment)).Set(float64(position))
}

// OutcomesTotal exposes the consumption outcome counter.
func (m *DeliveryMetrics) OutcomesTotal() *prometheus.CounterVec { return m.outcomesTotal }

// PublishAttempts exposes the relay attempt counter.
func (m *DeliveryMetrics) PublishAttempts() *prometheus.CounterVec { return m.publishAttempts }
