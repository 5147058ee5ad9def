package runtime

import (
	"math"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// LatencyMetrics summarises handler durations over the last samples.
type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// ThroughputMetrics counts applied events over a sliding window.
type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

// ConsumerStatsSnapshot is a point-in-time copy of a consumer's counters.
type ConsumerStatsSnapshot struct {
	Name       string `json:"name"`
	Applied    uint64 `json:"applied"`
	Duplicates uint64 `json:"duplicates"`
	Ignored    uint64 `json:"ignored"`
	Retries    uint64 `json:"retries"`
	Poisoned   uint64 `json:"poisoned"`

	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`

	LastAppliedAt time.Time `json:"last_applied_at"`
	LastError     string    `json:"last_error,omitempty"`
	// EventLagMillis is the time between the append of the last applied
	// event and its application.
	EventLagMillis int64 `json:"event_lag_millis"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
}

// ConsumerStats collects in-process statistics for one consumer. Unlike the
// Prometheus metrics they keep latency percentiles and event lag, and they
// work with metrics disabled.
type ConsumerStats struct {
	mu   sync.Mutex
	snap ConsumerStatsSnapshot

	totalProcessingTime int64
	latencyWindow       *latencyWindow
	throughputWindow    *throughputWindow
}

func newConsumerStats(name string) *ConsumerStats {
	return &ConsumerStats{
		snap:             ConsumerStatsSnapshot{Name: name},
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *ConsumerStats) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.InFlight++
	if s.snap.InFlight > s.snap.MaxInFlight {
		s.snap.MaxInFlight = s.snap.InFlight
	}
}

func (s *ConsumerStats) finish(outcome errspkg.Outcome, duration time.Duration, appendedAt time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.InFlight > 0 {
		s.snap.InFlight--
	}
	s.recordLocked(outcome, err)
	if outcome != errspkg.OutcomeApplied {
		return
	}

	now := time.Now()
	s.snap.LastAppliedAt = now.UTC()
	if !appendedAt.IsZero() {
		s.snap.EventLagMillis = max(now.Sub(appendedAt).Milliseconds(), 0)
	}

	s.totalProcessingTime += int64(duration)
	s.latencyWindow.Add(duration)
	latency := s.latencyWindow.Snapshot()
	latency.AverageNs = s.totalProcessingTime / int64(s.snap.Applied)
	s.snap.Latency = latency

	tp := s.throughputWindow.AddAndSnapshot(now)
	s.snap.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
		TotalMessages:    s.snap.Applied,
	}
}

// record counts an outcome that never reached the handler.
func (s *ConsumerStats) record(outcome errspkg.Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(outcome, err)
}

func (s *ConsumerStats) recordLocked(outcome errspkg.Outcome, err error) {
	switch outcome {
	case errspkg.OutcomeApplied:
		s.snap.Applied++
	case errspkg.OutcomeDuplicate:
		s.snap.Duplicates++
	case errspkg.OutcomeIgnored:
		s.snap.Ignored++
	case errspkg.OutcomeRetry:
		s.snap.Retries++
	case errspkg.OutcomePoison:
		s.snap.Poisoned++
	}
	if err != nil {
		s.snap.LastError = err.Error()
	}
}

// Snapshot returns a copy of the current counters.
func (s *ConsumerStats) Snapshot() ConsumerStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = slices.Delete(tw.samples, 0, idx)
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
