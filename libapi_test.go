package eventcore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestProtoMessageHelpers(t *testing.T) {
	msg, err := NewProtoMessage[*structpb.Struct]()
	require.NoError(t, err)
	assert.NotNil(t, msg)
	assert.NotNil(t, MustProtoMessage[*structpb.Struct]())
}

func TestClassificationExports(t *testing.T) {
	cause := errors.New("boom")
	assert.Equal(t, OutcomeApplied, Classify(nil))
	assert.Equal(t, OutcomeRetry, Classify(Retryable(cause)))
	assert.Equal(t, OutcomePoison, Classify(Poison(cause)))
	assert.ErrorIs(t, Poison(cause), ErrPoison)
	assert.ErrorIs(t, Poison(cause), cause)
}

func TestStreamIDExport(t *testing.T) {
	assert.Equal(t, "Order-42", StreamID("Order", "42"))
	assert.Equal(t, SegmentOf("Order-42", 4), SegmentOf("Order-42", 4))
}

func TestLoggerExports(t *testing.T) {
	logger := NewNopServiceLogger()
	assert.NotPanics(t, func() {
		logger.With(LogFields{"component": "test"}).Info("boot", nil)
	})
}

type orderPlaced struct {
	OrderID string `json:"order_id"`
}

func TestFacadeEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conf := &Config{
		StoreDriver:  StoreSQLite,
		SQLiteFile:   filepath.Join(t.TempDir(), "events.db"),
		PubSubSystem: "channel",
	}
	svc, err := NewService(ctx, conf, NewNopServiceLogger(), ServiceDependencies{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	consumer, err := svc.NewConsumer("facade-projection", "acme")
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got []string
	)
	require.NoError(t, RegisterJSONHandler(consumer, "OrderPlaced", func(_ context.Context, evt JSONEventContext[*orderPlaced]) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.Payload.OrderID)
		return nil
	}))
	require.NoError(t, svc.SubscribeTenant(consumer, "acme"))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- svc.Start(runCtx) }()
	select {
	case <-svc.Router().Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	res, err := AppendJSON(ctx, svc.EventStore(), StreamID("Order", "1"), "acme", NoStream(), "OrderPlaced", orderPlaced{OrderID: "1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ToVersion())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1"}, got)

	stop()
	require.NoError(t, <-done)
}
