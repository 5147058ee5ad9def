// Package jetstream provides a NATS JetStream transport. All tenant subjects
// live in one stream; every subscription is a durable pull consumer, so
// messages survive restarts and a nack leads to redelivery.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/eventcore/internal/runtime/metadata"
	"github.com/drblury/eventcore/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream that holds every eventcore subject.
	DefaultStreamName = "EVENTCORE"

	// DefaultDurable prefixes consumer names when none is configured.
	DefaultDurable = "eventcore"

	// DefaultMaxDeliver of -1 leaves redelivery unbounded. Messages that
	// should stop being delivered are terminated explicitly.
	DefaultMaxDeliver = -1

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultNakDelay spaces out redeliveries after a nack.
	DefaultNakDelay = time.Second

	// DefaultMaxAge bounds how long the stream keeps messages.
	DefaultMaxAge = 7 * 24 * time.Hour

	// uuidHeader carries the watermill message UUID across the wire.
	uuidHeader = metadata.ReservedPrefix + "message_uuid"

	fetchBatch = 10
)

var errClosed = errors.New("jetstream: transport is closed")

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ConfigFrom(cfg), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// ConfigFrom maps the shared transport config onto a JetStream Config.
func ConfigFrom(cfg transport.Config) Config {
	var extra []string
	for _, topic := range []string{cfg.GetDeadLetterTopic(), cfg.GetPoisonQueue()} {
		if topic != "" {
			extra = append(extra, topic)
		}
	}
	return Config{
		URL:           cfg.GetNATSURL(),
		SubjectPrefix: cfg.GetSubjectPrefix(),
		Durable:       cfg.GetJetStreamDurable(),
		ExtraSubjects: extra,
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to "EVENTCORE".
	StreamName string

	// SubjectPrefix precedes the tenant id; the stream captures <prefix>*.>.
	SubjectPrefix string

	// ExtraSubjects are captured by the stream as well, e.g. a dead-letter topic.
	ExtraSubjects []string

	// Durable prefixes the name of every consumer created by Subscribe.
	// Service instances sharing it share the consumer.
	Durable string

	// MaxDeliver is the maximum number of delivery attempts, -1 for unbounded.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// NakDelay is the redelivery delay after a nack.
	NakDelay time.Duration

	// MaxAge bounds message retention.
	MaxAge time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "TENANT_"
	}
	if c.Durable == "" {
		c.Durable = DefaultDurable
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.NakDelay <= 0 {
		c.NakDelay = DefaultNakDelay
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// StreamSubjects lists the subjects the stream captures.
func (c Config) StreamSubjects() []string {
	subjects := []string{c.SubjectPrefix + "*.>"}
	for _, s := range c.ExtraSubjects {
		if !strings.HasPrefix(s, c.SubjectPrefix) && !slices.Contains(subjects, s) {
			subjects = append(subjects, s)
		}
	}
	return subjects
}

// ConsumerName derives a durable consumer name from a subscription subject.
// Durable names may not contain '.', '*', '>' or whitespace, so those become
// '_' and a hash of the raw subject keeps distinct subjects on distinct
// durables.
func (c Config) ConsumerName(topic string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, topic)
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return fmt.Sprintf("%s_%s_%08x", c.Durable, clean, h.Sum32())
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string]*nats.Subscription
	subMu         sync.RWMutex
	wg            sync.WaitGroup

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:            nc,
		js:            js,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]*nats.Subscription),
		closedChan:    make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: t.config.StreamSubjects(),
		MaxAge:   t.config.MaxAge,
		Replicas: t.config.Replicas,
	}

	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	_, err := t.js.AddStream(streamCfg)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		return err
	}
	t.logger.Info("JetStream stream updated", watermill.LogFields{"stream": t.config.StreamName})
	return nil
}

// Publish publishes messages to the stream. The subject is the topic itself.
// Each message carries a Nats-Msg-Id so a republish within the stream's
// duplicate window is dropped by the server.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	if t.closed {
		return errClosed
	}

	for _, msg := range messages {
		natsMsg := ToNATS(topic, msg)
		opts := []nats.PubOpt{nats.MsgId(topic + ":" + msg.UUID)}
		if ctx := msg.Context(); hasDeadline(ctx) {
			opts = append(opts, nats.Context(ctx))
		}
		if _, err := t.js.PublishMsg(natsMsg, opts...); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}

	return nil
}

func hasDeadline(ctx context.Context) bool {
	_, ok := ctx.Deadline()
	return ok
}

// ToNATS converts a watermill message into a NATS message on subject.
func ToNATS(subject string, msg *message.Message) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(uuidHeader, msg.UUID)
	return &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  headers,
	}
}

// FromNATS converts a NATS message back into a watermill message, restoring
// the original UUID.
func FromNATS(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(uuidHeader)
	if msgID == "" {
		msgID = natsMsg.Header.Get(metadata.KeyEventID)
	}
	if msgID == "" {
		msgID = watermill.NewUUID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == uuidHeader || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}
	return wmMsg
}

// Subscribe creates (or reuses) a durable pull consumer for topic, which may
// be a wildcard such as TENANT_acme.>. Messages are handed out one at a
// time; the next one is fetched after the previous one was settled.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	if t.closed {
		return nil, errClosed
	}

	consumerName := t.config.ConsumerName(topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: topic,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(topic, consumerName, nats.Bind(t.config.StreamName, consumerName))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions[topic] = sub
	t.subMu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go t.fetchMessages(ctx, sub, output, topic)

	return output, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer t.wg.Done()
	defer close(output)

	logFields := watermill.LogFields{"topic": topic}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			t.logger.Error("Failed to fetch messages", err, logFields)
			continue
		}

		for _, natsMsg := range msgs {
			wmMsg := FromNATS(natsMsg)
			wmMsg.SetContext(ctx)

			select {
			case output <- wmMsg:
			case <-ctx.Done():
				return
			case <-t.closedChan:
				return
			}

			select {
			case <-wmMsg.Acked():
			case <-wmMsg.Nacked():
			case <-ctx.Done():
				return
			case <-t.closedChan:
				return
			}
			if err := Settle(natsMsg, wmMsg, t.config.NakDelay); err != nil {
				t.logger.Error("Failed to settle message", err, logFields)
			}
		}
	}
}

// Acker is the settlement surface of *nats.Msg.
type Acker interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// Settle mirrors the watermill outcome onto JetStream: a nack becomes a
// delayed Nak, an ack carrying the terminate flag becomes Term, any other
// ack becomes Ack. wmMsg must already be acked or nacked.
func Settle(natsMsg Acker, wmMsg *message.Message, nakDelay time.Duration) error {
	select {
	case <-wmMsg.Nacked():
		return natsMsg.NakWithDelay(nakDelay)
	default:
	}
	if wmMsg.Metadata.Get(metadata.KeyTerminate) == "true" {
		return natsMsg.Term()
	}
	return natsMsg.Ack()
}

// Close stops all fetch loops and closes the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = make(map[string]*nats.Subscription)
	t.subMu.Unlock()

	t.nc.Close()

	return nil
}

// Capabilities returns the JetStream transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
