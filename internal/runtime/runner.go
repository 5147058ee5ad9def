package runtime

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Runnable is a long running component such as a TrackingProcessor.
type Runnable interface {
	Run(ctx context.Context) error
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx context.Context) error

func (f RunnableFunc) Run(ctx context.Context) error { return f(ctx) }

// RunAll runs every component until ctx is cancelled or one of them fails.
// The first failure cancels the others and is returned; cancellation alone
// returns nil.
func RunAll(ctx context.Context, runnables ...Runnable) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runnables {
		g.Go(func() error {
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
