package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/eventcore/eventstore"
)

// DLQMetrics tracks dead-lettered events per reason and tenant.
type DLQMetrics struct {
	mu sync.RWMutex

	reasonCounts map[eventstore.DeadLetterReason]*DLQReasonMetrics

	lettersTotal    *prometheus.CounterVec
	lettersCurrent  *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	sinkErrorsTotal *prometheus.CounterVec
	attemptsHist    *prometheus.HistogramVec
	ageSecondsHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQReasonMetrics holds the counts of one dead-letter reason.
type DLQReasonMetrics struct {
	LettersReceived uint64    `json:"letters_received"`
	LettersCurrent  uint64    `json:"letters_current"`
	LettersReplayed uint64    `json:"letters_replayed"`
	SinkErrors      uint64    `json:"sink_errors"`
	OldestLetterAt  time.Time `json:"oldest_letter_at,omitempty"`
	NewestLetterAt  time.Time `json:"newest_letter_at,omitempty"`
	AvgAttempts     float64   `json:"avg_attempts"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot provides a point-in-time view of DLQ metrics.
type DLQMetricsSnapshot struct {
	TotalLetters  uint64                                            `json:"total_letters"`
	TotalReplayed uint64                                            `json:"total_replayed"`
	Reasons       map[eventstore.DeadLetterReason]*DLQReasonMetrics `json:"reasons"`
	CollectedAt   time.Time                                         `json:"collected_at"`
}

func newDLQCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newDLQHistogramVec(name, help string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "eventcore",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		[]string{"reason"},
	)
}

// NewDLQMetrics creates a new DLQ metrics collector.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		reasonCounts:    make(map[eventstore.DeadLetterReason]*DLQReasonMetrics),
		registerer:      registerer,
		lettersTotal:    newDLQCounterVec("letters_total", "Events sent to the dead-letter sink", []string{"reason", "tenant_id"}),
		replayedTotal:   newDLQCounterVec("replayed_total", "Dead letters replayed", []string{"reason"}),
		sinkErrorsTotal: newDLQCounterVec("sink_errors_total", "Dead letters the sink failed to record", []string{"reason"}),
		lettersCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eventcore",
			Subsystem: "dlq",
			Name:      "letters_current",
			Help:      "Dead letters recorded and not yet replayed",
		}, []string{"reason"}),
		attemptsHist:   newDLQHistogramVec("attempts", "Delivery attempts before dead-lettering", []float64{1, 2, 3, 5, 10, 20}),
		ageSecondsHist: newDLQHistogramVec("event_age_seconds", "Time between the event timestamp and dead-lettering", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.lettersTotal,
		m.lettersCurrent,
		m.replayedTotal,
		m.sinkErrorsTotal,
		m.attemptsHist,
		m.ageSecondsHist,
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

// RecordDeadLetter records a letter handed to the sink. sinkErr is the
// sink's result; the letter is counted either way.
func (m *DLQMetrics) RecordDeadLetter(letter eventstore.DeadLetter, sinkErr error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	reason := letter.Reason
	metrics := m.getOrCreate(reason)
	metrics.LettersReceived++
	metrics.LastUpdatedAt = now
	if sinkErr != nil {
		metrics.SinkErrors++
		m.sinkErrorsTotal.WithLabelValues(string(reason)).Inc()
	} else {
		metrics.LettersCurrent++
	}
	if metrics.OldestLetterAt.IsZero() {
		metrics.OldestLetterAt = now
	}
	metrics.NewestLetterAt = now

	total := metrics.LettersReceived
	metrics.AvgAttempts = ((metrics.AvgAttempts * float64(total-1)) + float64(letter.Attempts)) / float64(total)

	m.lettersTotal.WithLabelValues(string(reason), letter.TenantID).Inc()
	m.lettersCurrent.WithLabelValues(string(reason)).Set(float64(metrics.LettersCurrent))
	m.attemptsHist.WithLabelValues(string(reason)).Observe(float64(letter.Attempts))
	if !letter.Event.TimestampUTC.IsZero() {
		m.ageSecondsHist.WithLabelValues(string(reason)).Observe(now.Sub(letter.Event.TimestampUTC).Seconds())
	}
}

// RecordReplayed records a dead letter replayed back onto the bus.
func (m *DLQMetrics) RecordReplayed(reason eventstore.DeadLetterReason) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreate(reason)
	metrics.LettersReplayed++
	if metrics.LettersCurrent > 0 {
		metrics.LettersCurrent--
	}
	metrics.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(string(reason)).Inc()
	m.lettersCurrent.WithLabelValues(string(reason)).Set(float64(metrics.LettersCurrent))
}

// SetCurrentCount syncs the gauge with a durable sink, e.g. after a restart.
func (m *DLQMetrics) SetCurrentCount(reason eventstore.DeadLetterReason, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreate(reason)
	metrics.LettersCurrent = count
	metrics.LastUpdatedAt = time.Now()

	m.lettersCurrent.WithLabelValues(string(reason)).Set(float64(count))
}

// GetSnapshot returns a point-in-time snapshot of all DLQ metrics.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		Reasons:     make(map[eventstore.DeadLetterReason]*DLQReasonMetrics, len(m.reasonCounts)),
		CollectedAt: time.Now(),
	}
	for reason, metrics := range m.reasonCounts {
		c := *metrics
		snapshot.Reasons[reason] = &c
		snapshot.TotalLetters += metrics.LettersCurrent
		snapshot.TotalReplayed += metrics.LettersReplayed
	}
	return snapshot
}

// GetReasonMetrics returns a copy of the metrics of one reason, or nil.
func (m *DLQMetrics) GetReasonMetrics(reason eventstore.DeadLetterReason) *DLQReasonMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.reasonCounts[reason]; ok {
		c := *metrics
		return &c
	}
	return nil
}

func (m *DLQMetrics) getOrCreate(reason eventstore.DeadLetterReason) *DLQReasonMetrics {
	if metrics, ok := m.reasonCounts[reason]; ok {
		return metrics
	}
	metrics := &DLQReasonMetrics{}
	m.reasonCounts[reason] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reasonCounts = make(map[eventstore.DeadLetterReason]*DLQReasonMetrics)
	m.lettersTotal.Reset()
	m.lettersCurrent.Reset()
	m.replayedTotal.Reset()
	m.sinkErrorsTotal.Reset()
	m.attemptsHist.Reset()
	m.ageSecondsHist.Reset()
}
