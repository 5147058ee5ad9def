package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventcore/eventstore"
	"github.com/drblury/eventcore/eventstore/sqlite"
	"github.com/drblury/eventcore/eventstore/sqlstore"
	configpkg "github.com/drblury/eventcore/internal/runtime/config"
	"github.com/drblury/eventcore/internal/runtime/envelope"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
)

func openTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func appendEvents(t *testing.T, store eventstore.EventStore, streamID, tenantID string, types ...string) []eventstore.PersistedEvent {
	t.Helper()
	data := make([]eventstore.EventData, len(types))
	for i, eventType := range types {
		data[i] = eventstore.EventData{EventType: eventType, Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))}
	}
	res, err := store.Append(context.Background(), streamID, tenantID, eventstore.Any(), data)
	require.NoError(t, err)
	return res.Events
}

// testEvent is a persisted event that never touched a store.
func testEvent(id, tenantID, eventType string) eventstore.PersistedEvent {
	return eventstore.PersistedEvent{
		EventID:          id,
		StreamID:         "Order-1",
		SequenceNumber:   1,
		TenantID:         tenantID,
		GlobalSequenceID: 1,
		EventType:        eventType,
		Payload:          []byte(`{"ok":true}`),
		TimestampUTC:     time.Now().UTC(),
	}
}

func testMessage(t *testing.T, evt eventstore.PersistedEvent) *message.Message {
	t.Helper()
	subject, err := envelope.Subject(configpkg.DefaultSubjectPrefix, evt.TenantID, evt.EventType)
	require.NoError(t, err)
	msg, err := envelope.ToMessage(evt, subject, nil)
	require.NoError(t, err)
	msg.SetContext(context.Background())
	return msg
}

// testPublisher records published messages. The first failures calls fail
// with err.
type testPublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	calls     int
	failures  int
	err       error
	block     bool
	closed    bool
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	p.calls++
	fail := p.err != nil && (p.failures <= 0 || p.calls <= p.failures)
	block := p.block
	p.mu.Unlock()

	if block {
		<-messages[0].Context().Done()
		return messages[0].Context().Err()
	}
	if fail {
		return p.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string][]*message.Message)
	}
	p.published[topic] = append(p.published[topic], messages...)
	return nil
}

func (p *testPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *testPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *testPublisher) Messages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published[topic]...)
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

// memoryGuard is an in-memory IdempotencyGuard with injectable failures.
type memoryGuard struct {
	mu        sync.Mutex
	processed map[string]bool
	readErr   error
	markErr   error
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{processed: make(map[string]bool)}
}

func guardKey(processor, eventID, tenantID string) string {
	return processor + "|" + eventID + "|" + tenantID
}

func (g *memoryGuard) IsProcessed(_ context.Context, processor, eventID, tenantID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readErr != nil {
		return false, g.readErr
	}
	return g.processed[guardKey(processor, eventID, tenantID)], nil
}

func (g *memoryGuard) MarkProcessed(_ context.Context, processor, eventID, tenantID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.markErr != nil {
		return g.markErr
	}
	g.processed[guardKey(processor, eventID, tenantID)] = true
	return nil
}

func (g *memoryGuard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.processed)
}

// memorySink collects dead letters.
type memorySink struct {
	mu      sync.Mutex
	letters []eventstore.DeadLetter
	err     error
}

func (s *memorySink) DeadLetter(_ context.Context, letter eventstore.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return s.err
}

func (s *memorySink) Letters() []eventstore.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventstore.DeadLetter(nil), s.letters...)
}

// recordingLogger keeps every entry, including those of loggers derived with With.
type recordingLogger struct {
	recorder *logRecorder
	fields   loggingpkg.LogFields
}

type logRecorder struct {
	mu   sync.Mutex
	logs []loggedEntry
}

type loggedEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
	err    error
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{recorder: &logRecorder{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &recordingLogger{recorder: l.recorder, fields: mergeFields(l.fields, fields)}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.append("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.append("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.append("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.append("trace", msg, nil, fields)
}

func (l *recordingLogger) append(level, msg string, err error, fields loggingpkg.LogFields) {
	l.recorder.mu.Lock()
	defer l.recorder.mu.Unlock()
	l.recorder.logs = append(l.recorder.logs, loggedEntry{
		level:  level,
		msg:    msg,
		fields: mergeFields(l.fields, fields),
		err:    err,
	})
}

func (l *recordingLogger) Entries(level string) []loggedEntry {
	l.recorder.mu.Lock()
	defer l.recorder.mu.Unlock()
	var out []loggedEntry
	for _, e := range l.recorder.logs {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

func mergeFields(base, extra loggingpkg.LogFields) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func newTestConfig(t *testing.T) *configpkg.Config {
	t.Helper()
	return &configpkg.Config{
		StoreDriver:       configpkg.StoreSQLite,
		SQLiteFile:        filepath.Join(t.TempDir(), "service.db"),
		PubSubSystem:      "channel",
		PublishRetryDelay: time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}
}

func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := NewService(context.Background(), conf, nil, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// startService runs svc in the background and waits until the router runs.
func startService(t *testing.T, svc *Service) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	if len(svc.Router().Handlers()) > 0 {
		select {
		case <-svc.Router().Running():
		case err := <-done:
			cancel()
			require.NoError(t, err)
			t.Fatal("service stopped before the router was running")
		case <-time.After(5 * time.Second):
			cancel()
			t.Fatal("router did not start")
		}
	}
	t.Cleanup(cancel)
	return cancel, done
}

var errBoom = errors.New("boom")
