package sqlstore

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes append counters for a store.
type Metrics struct {
	mu sync.Mutex

	appendedTotal  *prometheus.CounterVec
	conflictsTotal *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	appendSeconds  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newStoreCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventcore",
		Subsystem: "store",
		Name:      name,
		Help:      help,
	}, []string{"dialect"})
}

// NewMetrics creates the collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:     registerer,
		appendedTotal:  newStoreCounterVec("appended_events_total", "Number of events committed by Append"),
		conflictsTotal: newStoreCounterVec("append_conflicts_total", "Number of appends rejected with a concurrency conflict"),
		failuresTotal:  newStoreCounterVec("append_failures_total", "Number of appends that failed with a storage error"),
		appendSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventcore",
			Subsystem: "store",
			Name:      "append_duration_seconds",
			Help:      "Duration of Append calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dialect"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.appendedTotal, m.conflictsTotal, m.failuresTotal, m.appendSeconds} {
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

func (m *Metrics) observeAppend(dialect string, events int, seconds float64, err error) {
	if m == nil {
		return
	}
	m.appendSeconds.WithLabelValues(dialect).Observe(seconds)
	switch {
	case err == nil:
		m.appendedTotal.WithLabelValues(dialect).Add(float64(events))
	case errors.Is(err, errConflict):
		m.conflictsTotal.WithLabelValues(dialect).Inc()
	default:
		m.failuresTotal.WithLabelValues(dialect).Inc()
	}
}

// AppendedTotal exposes the committed events counter.
func (m *Metrics) AppendedTotal() *prometheus.CounterVec { return m.appendedTotal }

// ConflictsTotal exposes the concurrency conflict counter.
func (m *Metrics) ConflictsTotal() *prometheus.CounterVec { return m.conflictsTotal }
