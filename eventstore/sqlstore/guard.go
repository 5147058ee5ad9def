package sqlstore

import (
	"context"

	"github.com/drblury/eventcore/eventstore"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
)

// IsProcessed implements eventstore.IdempotencyGuard.
func (s *Store) IsProcessed(ctx context.Context, processorName, eventID, tenantID string) (bool, error) {
	if err := checkLedgerKey(processorName, eventID, tenantID); err != nil {
		return false, err
	}
	ctx, cancel := s.bounded(ctx, s.opts.readTimeout)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, s.q.isProcessed, processorName, eventID, tenantID).Scan(&n); err != nil {
		return false, errspkg.Storage("check processed", err)
	}
	return n > 0, nil
}

// MarkProcessed implements eventstore.IdempotencyGuard. Marking an event
// twice keeps the first row.
func (s *Store) MarkProcessed(ctx context.Context, processorName, eventID, tenantID string) error {
	if err := checkLedgerKey(processorName, eventID, tenantID); err != nil {
		return err
	}
	ctx, cancel := s.bounded(ctx, s.opts.appendTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.q.markProcessed, processorName, eventID, tenantID, encodeTime(s.opts.now())); err != nil {
		return errspkg.Storage("mark processed", err)
	}
	return nil
}

func checkLedgerKey(processorName, eventID, tenantID string) error {
	if processorName == "" {
		return errspkg.ErrProcessorNameRequired
	}
	if eventID == "" {
		return errspkg.ErrEventIDRequired
	}
	return eventstore.RequireTenant(tenantID)
}
