package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/drblury/eventcore/eventstore"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
)

// FetchToken implements eventstore.TokenStore.
func (s *Store) FetchToken(ctx context.Context, processorName string, segment int) (eventstore.TrackingToken, bool, error) {
	if processorName == "" {
		return 0, false, errspkg.ErrProcessorNameRequired
	}
	ctx, cancel := s.bounded(ctx, s.opts.readTimeout)
	defer cancel()

	var pos int64
	err := s.db.QueryRowContext(ctx, s.q.fetchToken, processorName, segment).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errspkg.Storage("fetch token", err)
	}
	return eventstore.TrackingToken(pos), true, nil
}

// StoreToken implements eventstore.TokenStore. The upsert only touches the
// row when the position changes.
func (s *Store) StoreToken(ctx context.Context, token eventstore.TrackingToken, processorName string, segment int) error {
	if processorName == "" {
		return errspkg.ErrProcessorNameRequired
	}
	ctx, cancel := s.bounded(ctx, s.opts.appendTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.q.storeToken, processorName, segment, token.Position(), encodeTime(s.opts.now()))
	if err != nil {
		return errspkg.Storage("store token", err)
	}
	return nil
}
