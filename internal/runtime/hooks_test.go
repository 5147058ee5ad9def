package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
)

func hookedConsumer(t *testing.T, hooks JobHooks, handler HandlerFunc) *Consumer {
	t.Helper()
	c := newTestConsumer(t, newMemoryGuard(), func(cfg *ConsumerConfig) { cfg.Hooks = hooks })
	require.NoError(t, c.Register("OrderPlaced", handler))
	return c
}

func TestJobHooks_OnJobStart(t *testing.T) {
	var called bool
	var capturedCtx JobContext

	hooks := JobHooks{
		OnJobStart: func(ctx JobContext) {
			called = true
			capturedCtx = ctx
		},
	}

	c := hookedConsumer(t, hooks, func(context.Context, Delivery) error { return nil })
	c.Process(testMessage(t, testEvent("evt-1", "acme", "OrderPlaced")))

	assert.True(t, called)
	assert.Equal(t, "orders-projection", capturedCtx.Processor)
	assert.Equal(t, "evt-1", capturedCtx.EventID)
	assert.Equal(t, "acme", capturedCtx.TenantID)
	assert.Equal(t, "TENANT_acme.OrderPlaced", capturedCtx.Subject)
	assert.False(t, capturedCtx.StartedAt.IsZero())
}

func TestJobHooks_OnJobDone(t *testing.T) {
	var called bool
	var capturedCtx JobContext

	hooks := JobHooks{
		OnJobDone: func(ctx JobContext) {
			called = true
			capturedCtx = ctx
		},
	}

	c := hookedConsumer(t, hooks, func(context.Context, Delivery) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	c.Process(testMessage(t, testEvent("evt-1", "acme", "OrderPlaced")))

	assert.True(t, called)
	assert.Equal(t, errspkg.OutcomeApplied, capturedCtx.Outcome)
	assert.GreaterOrEqual(t, capturedCtx.Duration, 10*time.Millisecond)
}

func TestJobHooks_OnJobError(t *testing.T) {
	var called bool
	var capturedCtx JobContext
	var capturedErr error
	expectedErr := errors.New("handler error")

	hooks := JobHooks{
		OnJobError: func(ctx JobContext, err error) {
			called = true
			capturedCtx = ctx
			capturedErr = err
		},
		OnPoison: func(JobContext, error) {
			t.Error("retryable failures must not reach OnPoison")
		},
	}

	c := hookedConsumer(t, hooks, func(context.Context, Delivery) error { return expectedErr })
	c.Process(testMessage(t, testEvent("evt-1", "acme", "OrderPlaced")))

	assert.True(t, called)
	assert.Equal(t, errspkg.OutcomeRetry, capturedCtx.Outcome)
	assert.ErrorIs(t, capturedErr, expectedErr)
}

func TestJobHooks_OnPoisonFollowsOnJobError(t *testing.T) {
	var calls []string

	hooks := JobHooks{
		OnJobError: func(JobContext, error) { calls = append(calls, "error") },
		OnPoison:   func(JobContext, error) { calls = append(calls, "poison") },
	}

	c := hookedConsumer(t, hooks, func(context.Context, Delivery) error {
		return errspkg.Poison(errBoom)
	})
	c.Process(testMessage(t, testEvent("evt-1", "acme", "OrderPlaced")))

	assert.Equal(t, []string{"error", "poison"}, calls)
}

func TestJobHooks_NotCalledForDuplicatesAndIgnored(t *testing.T) {
	var starts int
	hooks := JobHooks{OnJobStart: func(JobContext) { starts++ }}

	c := hookedConsumer(t, hooks, func(context.Context, Delivery) error { return nil })
	evt := testEvent("evt-1", "acme", "OrderPlaced")
	c.Process(testMessage(t, evt))
	c.Process(testMessage(t, evt))
	c.Process(testMessage(t, testEvent("evt-2", "acme", "Unrelated")))

	assert.Equal(t, 1, starts)
}

func TestJobHooks_NilHooksAreSafe(t *testing.T) {
	c := hookedConsumer(t, JobHooks{}, func(context.Context, Delivery) error { return errBoom })
	assert.NotPanics(t, func() {
		c.Process(testMessage(t, testEvent("evt-1", "acme", "OrderPlaced")))
	})
}

func TestJobHooks_Merge(t *testing.T) {
	var calls []string

	hooks1 := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "start1") },
		OnJobDone:  func(JobContext) { calls = append(calls, "done1") },
	}
	hooks2 := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "start2") },
		OnJobDone:  func(JobContext) { calls = append(calls, "done2") },
	}

	c := hookedConsumer(t, hooks1.Merge(hooks2), func(context.Context, Delivery) error { return nil })
	c.Process(testMessage(t, testEvent("evt-1", "acme", "OrderPlaced")))

	assert.Equal(t, []string{"start1", "start2", "done1", "done2"}, calls)
}

func TestJobHooks_MergePartial(t *testing.T) {
	var calls []string

	hooks1 := JobHooks{OnJobStart: func(JobContext) { calls = append(calls, "start1") }}
	hooks2 := JobHooks{OnJobDone: func(JobContext) { calls = append(calls, "done2") }}

	merged := hooks1.Merge(hooks2)
	assert.Nil(t, merged.OnJobError)

	c := hookedConsumer(t, merged, func(context.Context, Delivery) error { return nil })
	c.Process(testMessage(t, testEvent("evt-1", "acme", "OrderPlaced")))

	assert.Equal(t, []string{"start1", "done2"}, calls)
}

func TestLoggingHooks(t *testing.T) {
	logger := newRecordingLogger()
	hooks := LoggingHooks(logger)

	job := JobContext{Processor: "p", EventID: "e1", Subject: "TENANT_acme.X"}
	hooks.OnJobStart(job)
	hooks.OnJobDone(job)
	hooks.OnJobError(job, errBoom)

	debugs := logger.Entries("debug")
	require.Len(t, debugs, 2)
	assert.Equal(t, "Job started", debugs[0].msg)
	assert.Equal(t, "Job completed", debugs[1].msg)
	assert.Equal(t, "TENANT_acme.X", debugs[0].fields["subject"])

	errs := logger.Entries("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "Job failed", errs[0].msg)
	assert.ErrorIs(t, errs[0].err, errBoom)
}

func TestMetricsHooks(t *testing.T) {
	var startCalls, doneCalls, errorCalls int
	var lastType string

	hooks := MetricsHooks(
		func(_, eventType string) {
			startCalls++
			lastType = eventType
		},
		func(string, string) { doneCalls++ },
		func(string, string) { errorCalls++ },
	)

	hooks.OnJobStart(JobContext{EventType: "OrderPlaced"})
	hooks.OnJobDone(JobContext{})
	hooks.OnJobError(JobContext{}, errors.New("test"))

	assert.Equal(t, 1, startCalls)
	assert.Equal(t, 1, doneCalls)
	assert.Equal(t, 1, errorCalls)
	assert.Equal(t, "OrderPlaced", lastType)
}

func TestAlertingHooks(t *testing.T) {
	var capturedErr error

	hooks := AlertingHooks(func(_ JobContext, err error) { capturedErr = err })
	assert.Nil(t, hooks.OnJobError)

	expectedErr := errors.New("alert error")
	hooks.OnPoison(JobContext{}, expectedErr)
	assert.Equal(t, expectedErr, capturedErr)
}
