package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/eventcore/eventstore"
	configpkg "github.com/drblury/eventcore/internal/runtime/config"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
)

// InitialPosition decides where a processor without a stored token starts.
type InitialPosition int

const (
	// StartAtTail replays the whole log.
	StartAtTail InitialPosition = iota
	// StartAtHead only sees events appended after the first start.
	StartAtHead
)

// TrackingConfig configures a TrackingProcessor.
type TrackingConfig struct {
	// Name keys both the token store and the processed-events ledger of the consumer.
	Name string
	// Segment is owned by this processor, in [0, TotalSegments).
	Segment       int
	TotalSegments int

	Store    eventstore.EventStore
	Tokens   eventstore.TokenStore
	Consumer *Consumer

	Initial      InitialPosition
	BatchSize    int
	PollInterval time.Duration

	// TenantID restricts the processor to one tenant. Set AllTenants instead
	// to process every tenant.
	TenantID   string
	AllTenants bool

	Logger  loggingpkg.ServiceLogger
	Metrics *DeliveryMetrics
}

// TrackingProcessor reads the global log from its stored token, dispatches
// the events of its segment through a Consumer and stores the token after
// every batch. A crash between applying an event and storing the token
// replays the event, which the consumer's idempotency guard absorbs.
type TrackingProcessor struct {
	cfg    TrackingConfig
	logger loggingpkg.ServiceLogger
}

// NewTrackingProcessor validates cfg.
func NewTrackingProcessor(cfg TrackingConfig) (*TrackingProcessor, error) {
	switch {
	case cfg.Name == "":
		return nil, errspkg.ErrProcessorNameRequired
	case cfg.Store == nil || cfg.Tokens == nil:
		return nil, errspkg.ErrStoreRequired
	case cfg.Consumer == nil:
		return nil, errspkg.ErrHandlerRequired
	}
	if cfg.TotalSegments <= 0 {
		cfg.TotalSegments = 1
	}
	if cfg.Segment < 0 || cfg.Segment >= cfg.TotalSegments {
		return nil, fmt.Errorf("eventcore: segment %d out of range [0, %d)", cfg.Segment, cfg.TotalSegments)
	}
	if err := eventstore.RequireReadScope(eventstore.ReadAllOptions{TenantID: cfg.TenantID, AllTenants: cfg.AllTenants}); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = configpkg.DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = configpkg.DefaultPollInterval
	}
	cfg.Logger = loggingpkg.OrNop(cfg.Logger)
	return &TrackingProcessor{
		cfg: cfg,
		logger: cfg.Logger.With(loggingpkg.LogFields{
			loggingpkg.FieldProcessor: cfg.Name,
			loggingpkg.FieldSegment:   cfg.Segment,
		}),
	}, nil
}

// Name returns the processor name.
func (p *TrackingProcessor) Name() string { return p.cfg.Name }

// Run processes batches until ctx is cancelled, which returns nil. Storage
// errors end the run.
func (p *TrackingProcessor) Run(ctx context.Context) error {
	token, err := p.initialToken(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	p.logger.Info("Tracking processor started", loggingpkg.LogFields{"token": token.String()})

	for {
		next, read, retry, err := p.processBatch(ctx, token)
		if ctx.Err() != nil {
			p.logger.Info("Tracking processor stopped", loggingpkg.LogFields{"token": next.String()})
			return nil
		}
		if err != nil {
			p.logger.Error("Tracking processor failed", err, loggingpkg.LogFields{"token": token.String()})
			return err
		}
		token = next
		if !retry && read >= p.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *TrackingProcessor) initialToken(ctx context.Context) (eventstore.TrackingToken, error) {
	token, found, err := p.cfg.Tokens.FetchToken(ctx, p.cfg.Name, p.cfg.Segment)
	if err != nil {
		return 0, err
	}
	if found {
		return token, nil
	}
	if p.cfg.Initial != StartAtHead {
		return eventstore.TailToken, nil
	}
	head, err := p.cfg.Store.CreateHeadToken(ctx)
	if err != nil {
		return 0, err
	}
	// Persist head right away so a restart does not move it forward.
	if err := p.storeToken(ctx, head); err != nil {
		return 0, err
	}
	return head, nil
}

// ProcessBatch runs one batch from token and returns the new token. It is
// exposed for tests and for callers that drive processing themselves.
func (p *TrackingProcessor) ProcessBatch(ctx context.Context, token eventstore.TrackingToken) (eventstore.TrackingToken, error) {
	next, _, _, err := p.processBatch(ctx, token)
	return next, err
}

// processBatch reports how many events it read and whether it stopped early
// on a retryable failure.
func (p *TrackingProcessor) processBatch(ctx context.Context, token eventstore.TrackingToken) (eventstore.TrackingToken, int, bool, error) {
	opts := eventstore.ReadAllOptions{TenantID: p.cfg.TenantID, AllTenants: p.cfg.AllTenants}
	progress := token
	read := 0
	retry := false

	for evt, err := range p.cfg.Store.ReadAll(ctx, token.Position(), opts) {
		if err != nil {
			if ctx.Err() != nil {
				return token, read, false, nil
			}
			return p.commit(ctx, token, progress, read, false, err)
		}
		if ctx.Err() != nil {
			// Stop between events without storing anything.
			return token, read, false, nil
		}
		read++

		if eventstore.SegmentOf(evt.StreamID, p.cfg.TotalSegments) != p.cfg.Segment {
			progress = progress.Advance(evt.GlobalSequenceID)
		} else {
			outcome, err := p.cfg.Consumer.Dispatch(ctx, evt)
			if outcome == errspkg.OutcomeRetry {
				p.logger.Info("Event will be retried", loggingpkg.LogFields{
					loggingpkg.FieldGlobalSeq: evt.GlobalSequenceID,
					loggingpkg.FieldEventID:   evt.EventID,
					"error":                   errString(err),
				})
				retry = true
				break
			}
			progress = progress.Advance(evt.GlobalSequenceID)
		}
		if read >= p.cfg.BatchSize {
			break
		}
	}
	return p.commit(ctx, token, progress, read, retry, nil)
}

// commit stores progress when it moved. A failed read still stores what
// was applied before it.
func (p *TrackingProcessor) commit(ctx context.Context, from, progress eventstore.TrackingToken, read int, retry bool, readErr error) (eventstore.TrackingToken, int, bool, error) {
	if progress != from {
		if err := p.storeToken(ctx, progress); err != nil {
			return from, read, retry, errors.Join(readErr, err)
		}
	}
	return progress, read, retry, readErr
}

func (p *TrackingProcessor) storeToken(ctx context.Context, token eventstore.TrackingToken) error {
	if err := p.cfg.Tokens.StoreToken(ctx, token, p.cfg.Name, p.cfg.Segment); err != nil {
		return err
	}
	p.cfg.Metrics.observeToken(p.cfg.Name, p.cfg.Segment, token.Position())
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
