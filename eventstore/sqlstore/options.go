package sqlstore

import (
	"time"

	"github.com/drblury/eventcore/internal/runtime/logging"
)

const (
	DefaultBatchSize     = 256
	DefaultReadTimeout   = 30 * time.Second
	DefaultAppendTimeout = 10 * time.Second
)

type options struct {
	tables        Tables
	batchSize     int
	readTimeout   time.Duration
	appendTimeout time.Duration
	logger        logging.ServiceLogger
	metrics       *Metrics
	now           func() time.Time
}

// Option customises a Store.
type Option func(*options)

func WithTables(t Tables) Option {
	return func(o *options) { o.tables = t }
}

// WithBatchSize sets the page size of lazy reads.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithReadTimeout bounds each page query when the caller's context carries no deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithAppendTimeout bounds Append when the caller's context carries no deadline.
func WithAppendTimeout(d time.Duration) Option {
	return func(o *options) { o.appendTimeout = d }
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the time source used for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.tables = o.tables.withDefaults()
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.readTimeout <= 0 {
		o.readTimeout = DefaultReadTimeout
	}
	if o.appendTimeout <= 0 {
		o.appendTimeout = DefaultAppendTimeout
	}
	o.logger = logging.OrNop(o.logger)
	if o.now == nil {
		o.now = time.Now
	}
	return o
}
