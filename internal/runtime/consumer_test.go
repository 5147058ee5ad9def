package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventcore/eventstore"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	"github.com/drblury/eventcore/internal/runtime/metadata"
)

func newTestConsumer(t *testing.T, guard eventstore.IdempotencyGuard, mutate func(*ConsumerConfig)) *Consumer {
	t.Helper()
	cfg := ConsumerConfig{Name: "orders-projection", Guard: guard}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewConsumer(cfg)
	require.NoError(t, err)
	return c
}

func assertAcked(t *testing.T, msg *message.Message) {
	t.Helper()
	select {
	case <-msg.Acked():
	default:
		t.Fatal("expected message to be acked")
	}
}

func assertNacked(t *testing.T, msg *message.Message) {
	t.Helper()
	select {
	case <-msg.Nacked():
	default:
		t.Fatal("expected message to be nacked")
	}
}

func TestNewConsumerValidation(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{Guard: newMemoryGuard()})
	assert.ErrorIs(t, err, errspkg.ErrProcessorNameRequired)

	_, err = NewConsumer(ConsumerConfig{Name: "p"})
	assert.ErrorIs(t, err, errspkg.ErrGuardRequired)
}

func TestConsumerRegister(t *testing.T) {
	c := newTestConsumer(t, newMemoryGuard(), nil)
	noop := func(context.Context, Delivery) error { return nil }

	require.NoError(t, c.Register("OrderShipped", noop))
	require.NoError(t, c.Register("OrderPlaced", noop))
	assert.ErrorIs(t, c.Register("OrderPlaced", noop), errspkg.ErrDuplicateHandler)
	assert.ErrorIs(t, c.Register("", noop), errspkg.ErrEventTypeRequired)
	assert.ErrorIs(t, c.Register("OrderPaid", nil), errspkg.ErrHandlerRequired)

	assert.Equal(t, []string{"OrderPlaced", "OrderShipped"}, c.EventTypes())
}

func TestConsumerAppliesAndRecordsLedger(t *testing.T) {
	guard := newMemoryGuard()
	c := newTestConsumer(t, guard, nil)

	var got Delivery
	require.NoError(t, c.Register("OrderPlaced", func(_ context.Context, d Delivery) error {
		got = d
		return nil
	}))

	msg := testMessage(t, testEvent("evt-1", "acme", "OrderPlaced"))
	msg.Metadata.Set("source", "checkout")

	outcome := c.Process(msg)
	assert.Equal(t, errspkg.OutcomeApplied, outcome)
	assertAcked(t, msg)

	assert.Equal(t, "evt-1", got.Event.EventID)
	assert.Equal(t, "acme", got.Event.TenantID)
	assert.Equal(t, "TENANT_acme.OrderPlaced", got.Subject)
	assert.Equal(t, "checkout", got.Metadata["source"])
	assert.NotEmpty(t, got.CorrelationID)
	for k := range got.Metadata {
		assert.False(t, metadata.IsReserved(k), "handler metadata must not carry %s", k)
	}

	processed, err := guard.IsProcessed(context.Background(), "orders-projection", "evt-1", "acme")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, msg.Metadata.Get(metadata.KeyTerminate))
}

func TestConsumerSkipsDuplicates(t *testing.T) {
	guard := newMemoryGuard()
	c := newTestConsumer(t, guard, nil)

	var calls atomic.Int32
	require.NoError(t, c.Register("OrderPlaced", func(context.Context, Delivery) error {
		calls.Add(1)
		return nil
	}))

	evt := testEvent("evt-1", "acme", "OrderPlaced")
	first := testMessage(t, evt)
	second := testMessage(t, evt)

	assert.Equal(t, errspkg.OutcomeApplied, c.Process(first))
	assert.Equal(t, errspkg.OutcomeDuplicate, c.Process(second))
	assertAcked(t, second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, guard.Count())
}

func TestConsumerLedgerIsPerProcessorAndTenant(t *testing.T) {
	guard := newMemoryGuard()
	var calls atomic.Int32
	handler := func(context.Context, Delivery) error {
		calls.Add(1)
		return nil
	}

	projection := newTestConsumer(t, guard, nil)
	require.NoError(t, projection.Register("OrderPlaced", handler))
	mailer := newTestConsumer(t, guard, func(c *ConsumerConfig) { c.Name = "mailer" })
	require.NoError(t, mailer.Register("OrderPlaced", handler))

	assert.Equal(t, errspkg.OutcomeApplied, projection.Process(testMessage(t, testEvent("evt-1", "acme", "OrderPlaced"))))
	assert.Equal(t, errspkg.OutcomeApplied, mailer.Process(testMessage(t, testEvent("evt-1", "acme", "OrderPlaced"))))
	assert.Equal(t, errspkg.OutcomeApplied, projection.Process(testMessage(t, testEvent("evt-1", "globex", "OrderPlaced"))))
	assert.Equal(t, int32(3), calls.Load())
}

func TestConsumerIgnoresUnregisteredTypes(t *testing.T) {
	guard := newMemoryGuard()
	c := newTestConsumer(t, guard, nil)

	msg := testMessage(t, testEvent("evt-1", "acme", "SomethingElse"))
	assert.Equal(t, errspkg.OutcomeIgnored, c.Process(msg))
	assertAcked(t, msg)
	assert.Zero(t, guard.Count())
}

func TestConsumerRetryableFailures(t *testing.T) {
	cases := map[string]HandlerFunc{
		"explicit retryable": func(context.Context, Delivery) error { return errspkg.Retryable(errBoom) },
		"plain error":        func(context.Context, Delivery) error { return errBoom },
		"panic":              func(context.Context, Delivery) error { panic("kaboom") },
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			guard := newMemoryGuard()
			sink := &memorySink{}
			c := newTestConsumer(t, guard, func(c *ConsumerConfig) { c.DeadLetters = sink })
			require.NoError(t, c.Register("OrderPlaced", handler))

			msg := testMessage(t, testEvent("evt-1", "acme", "OrderPlaced"))
			assert.Equal(t, errspkg.OutcomeRetry, c.Process(msg))
			assertNacked(t, msg)
			assert.Zero(t, guard.Count(), "no ledger row on retry")
			assert.Empty(t, sink.Letters())
			assert.Empty(t, msg.Metadata.Get(metadata.KeyTerminate))
		})
	}
}

func TestConsumerPoisonTerminatesWithoutLedgerRow(t *testing.T) {
	guard := newMemoryGuard()
	sink := &memorySink{}
	logger := newRecordingLogger()
	var poisoned []JobContext
	c := newTestConsumer(t, guard, func(c *ConsumerConfig) {
		c.DeadLetters = sink
		c.Logger = logger
		c.Hooks = AlertingHooks(func(job JobContext, err error) { poisoned = append(poisoned, job) })
	})
	require.NoError(t, c.Register("OrderPlaced", func(context.Context, Delivery) error {
		return errspkg.Poison(errors.New("order references unknown customer"))
	}))

	msg := testMessage(t, testEvent("evt-1", "acme", "OrderPlaced"))
	assert.Equal(t, errspkg.OutcomePoison, c.Process(msg))

	assertAcked(t, msg)
	assert.Equal(t, "true", msg.Metadata.Get(metadata.KeyTerminate))
	assert.Zero(t, guard.Count(), "no ledger row on poison")

	letters := sink.Letters()
	require.Len(t, letters, 1)
	assert.Equal(t, eventstore.ReasonPoison, letters[0].Reason)
	assert.Equal(t, "TENANT_acme.OrderPlaced", letters[0].Subject)
	assert.Contains(t, letters[0].Error, "unknown customer")

	require.Len(t, poisoned, 1)
	assert.Equal(t, errspkg.OutcomePoison, poisoned[0].Outcome)
	assert.NotEmpty(t, logger.Entries("error"))
}

func TestConsumerHandleMessage(t *testing.T) {
	guard := newMemoryGuard()
	c := newTestConsumer(t, guard, nil)
	require.NoError(t, c.Register("Retry", func(context.Context, Delivery) error { return errBoom }))
	require.NoError(t, c.Register("Poison", func(context.Context, Delivery) error { return errspkg.Poison(errBoom) }))
	require.NoError(t, c.Register("Ok", func(context.Context, Delivery) error { return nil }))

	err := c.HandleMessage(testMessage(t, testEvent("e1", "acme", "Retry")))
	assert.ErrorIs(t, err, errBoom)

	poison := testMessage(t, testEvent("e2", "acme", "Poison"))
	assert.NoError(t, c.HandleMessage(poison))
	assert.Equal(t, "true", poison.Metadata.Get(metadata.KeyTerminate))

	assert.NoError(t, c.HandleMessage(testMessage(t, testEvent("e3", "acme", "Ok"))))
}

func TestConsumerRejectsMalformedAndForeignMessages(t *testing.T) {
	cases := map[string]func(t *testing.T) *message.Message{
		"missing tenant": func(t *testing.T) *message.Message {
			msg := testMessage(t, testEvent("e1", "acme", "OrderPlaced"))
			msg.Metadata.Set(metadata.KeyTenantID, "")
			return msg
		},
		"subject of another tenant": func(t *testing.T) *message.Message {
			msg := testMessage(t, testEvent("e1", "acme", "OrderPlaced"))
			msg.Metadata.Set(metadata.KeySubject, "TENANT_globex.OrderPlaced")
			return msg
		},
		"malformed sequence": func(t *testing.T) *message.Message {
			msg := testMessage(t, testEvent("e1", "acme", "OrderPlaced"))
			msg.Metadata.Set(metadata.KeyGlobalSequenceID, "not-a-number")
			return msg
		},
		"not an envelope": func(t *testing.T) *message.Message {
			msg := message.NewMessage(watermill.NewUUID(), []byte("raw"))
			msg.SetContext(context.Background())
			return msg
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			guard := newMemoryGuard()
			sink := &memorySink{}
			var calls atomic.Int32
			c := newTestConsumer(t, guard, func(c *ConsumerConfig) { c.DeadLetters = sink })
			require.NoError(t, c.Register("OrderPlaced", func(context.Context, Delivery) error {
				calls.Add(1)
				return nil
			}))

			msg := build(t)
			assert.Equal(t, errspkg.OutcomePoison, c.Process(msg))
			assertAcked(t, msg)
			assert.Equal(t, "true", msg.Metadata.Get(metadata.KeyTerminate))
			assert.Zero(t, calls.Load())
			assert.Zero(t, guard.Count())
			assert.Len(t, sink.Letters(), 1)
		})
	}
}

func TestConsumerPinnedToTenant(t *testing.T) {
	c := newTestConsumer(t, newMemoryGuard(), func(c *ConsumerConfig) { c.TenantID = "acme" })
	require.NoError(t, c.Register("OrderPlaced", func(context.Context, Delivery) error { return nil }))

	assert.Equal(t, errspkg.OutcomeApplied, c.Process(testMessage(t, testEvent("e1", "acme", "OrderPlaced"))))
	assert.Equal(t, errspkg.OutcomePoison, c.Process(testMessage(t, testEvent("e2", "globex", "OrderPlaced"))))
}

func TestConsumerGuardFailuresAreRetryable(t *testing.T) {
	t.Run("read", func(t *testing.T) {
		guard := newMemoryGuard()
		guard.readErr = errspkg.ErrStorageUnavailable
		var calls atomic.Int32
		c := newTestConsumer(t, guard, nil)
		require.NoError(t, c.Register("OrderPlaced", func(context.Context, Delivery) error {
			calls.Add(1)
			return nil
		}))

		msg := testMessage(t, testEvent("e1", "acme", "OrderPlaced"))
		assert.Equal(t, errspkg.OutcomeRetry, c.Process(msg))
		assertNacked(t, msg)
		assert.Zero(t, calls.Load(), "handler must not run without a dedup check")
	})

	t.Run("write", func(t *testing.T) {
		guard := newMemoryGuard()
		guard.markErr = errspkg.ErrStorageUnavailable
		var failed []error
		c := newTestConsumer(t, guard, func(c *ConsumerConfig) {
			c.Hooks = JobHooks{OnJobError: func(_ JobContext, err error) { failed = append(failed, err) }}
		})
		require.NoError(t, c.Register("OrderPlaced", func(context.Context, Delivery) error { return nil }))

		msg := testMessage(t, testEvent("e1", "acme", "OrderPlaced"))
		assert.Equal(t, errspkg.OutcomeRetry, c.Process(msg))
		assertNacked(t, msg)
		require.Len(t, failed, 1)
		assert.ErrorIs(t, failed[0], errspkg.ErrStorageUnavailable)
	})
}

func TestConsumerDispatchStoredEvent(t *testing.T) {
	c := newTestConsumer(t, newMemoryGuard(), nil)
	var got Delivery
	require.NoError(t, c.Register("OrderPlaced", func(_ context.Context, d Delivery) error {
		got = d
		return nil
	}))

	evt := testEvent("e1", "acme", "OrderPlaced")
	md, err := metadata.New("correlation_id", "corr-1", "source", "import", metadata.KeyTenantID, "spoofed").Encode()
	require.NoError(t, err)
	evt.Metadata = md

	outcome, err := c.Dispatch(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, errspkg.OutcomeApplied, outcome)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "import", got.Metadata["source"])
	assert.NotContains(t, got.Metadata, metadata.KeyTenantID)
	assert.Empty(t, got.Subject)
}

func TestConsumerStats(t *testing.T) {
	c := newTestConsumer(t, newMemoryGuard(), nil)
	require.NoError(t, c.Register("OrderPlaced", func(context.Context, Delivery) error { return nil }))
	require.NoError(t, c.Register("Broken", func(context.Context, Delivery) error { return errBoom }))

	c.Process(testMessage(t, testEvent("e1", "acme", "OrderPlaced")))
	c.Process(testMessage(t, testEvent("e1", "acme", "OrderPlaced")))
	c.Process(testMessage(t, testEvent("e2", "acme", "Broken")))
	c.Process(testMessage(t, testEvent("e3", "acme", "Unknown")))

	snap := c.Stats().Snapshot()
	assert.Equal(t, "orders-projection", snap.Name)
	assert.Equal(t, uint64(1), snap.Applied)
	assert.Equal(t, uint64(1), snap.Duplicates)
	assert.Equal(t, uint64(1), snap.Retries)
	assert.Equal(t, uint64(1), snap.Ignored)
	assert.Zero(t, snap.InFlight)
	assert.Equal(t, uint64(1), snap.MaxInFlight)
	assert.Equal(t, 1, snap.Latency.SampleSize)
	assert.Equal(t, uint64(1), snap.Throughput.TotalMessages)
	assert.Contains(t, snap.LastError, "boom")
	assert.False(t, snap.LastAppliedAt.IsZero())
}

// A retryable failure over a real pubsub is redelivered exactly once, and
// only the successful attempt writes the ledger.
func TestConsumerRedeliveryOverGoChannel(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, "TENANT_acme.OrderPlaced")
	require.NoError(t, err)

	guard := newMemoryGuard()
	c := newTestConsumer(t, guard, nil)
	var mu sync.Mutex
	var attempts []string
	require.NoError(t, c.Register("OrderPlaced", func(_ context.Context, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, d.Event.EventID)
		if len(attempts) == 1 {
			return errspkg.Retryable(errBoom)
		}
		return nil
	}))

	require.NoError(t, pubSub.Publish("TENANT_acme.OrderPlaced", testMessage(t, testEvent("evt-1", "acme", "OrderPlaced"))))

	var outcomes []errspkg.Outcome
	for len(outcomes) < 2 {
		select {
		case msg := <-messages:
			outcomes = append(outcomes, c.Process(msg))
		case <-time.After(5 * time.Second):
			t.Fatalf("expected redelivery, got outcomes %v", outcomes)
		}
	}

	select {
	case msg := <-messages:
		t.Fatalf("unexpected third delivery of %s", msg.UUID)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, []errspkg.Outcome{errspkg.OutcomeRetry, errspkg.OutcomeApplied}, outcomes)
	assert.Equal(t, []string{"evt-1", "evt-1"}, attempts)
	assert.Equal(t, 1, guard.Count())
}
