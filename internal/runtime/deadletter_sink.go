package runtime

import (
	"context"
	"errors"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventcore/eventstore"
	"github.com/drblury/eventcore/internal/runtime/envelope"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
	"github.com/drblury/eventcore/internal/runtime/metadata"
)

// TopicDeadLetterSink publishes dead letters to a bus topic, annotated with
// the original subject, the error, the reason and the attempt count.
type TopicDeadLetterSink struct {
	Publisher message.Publisher
	Topic     string
}

// NewTopicDeadLetterSink validates its collaborators.
func NewTopicDeadLetterSink(pub message.Publisher, topic string) (*TopicDeadLetterSink, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &TopicDeadLetterSink{Publisher: pub, Topic: topic}, nil
}

// DeadLetter implements eventstore.DeadLetterSink.
func (s *TopicDeadLetterSink) DeadLetter(ctx context.Context, letter eventstore.DeadLetter) error {
	evt := letter.Event
	if evt.TenantID == "" {
		evt.TenantID = letter.TenantID
	}
	msg, err := envelope.ToMessage(evt, "", nil)
	if err != nil {
		return err
	}
	msg.Metadata.Set(metadata.KeyOriginalSubject, letter.Subject)
	msg.Metadata.Set(metadata.KeyError, letter.Error)
	msg.Metadata.Set(metadata.KeyDeadLetterKind, string(letter.Reason))
	msg.Metadata.Set(metadata.KeyAttempts, strconv.Itoa(letter.Attempts))
	msg.SetContext(ctx)
	return s.Publisher.Publish(s.Topic, msg)
}

// MultiSink fans a dead letter out to every sink. All sinks are tried;
// their errors are joined.
type MultiSink []eventstore.DeadLetterSink

// DeadLetter implements eventstore.DeadLetterSink.
func (m MultiSink) DeadLetter(ctx context.Context, letter eventstore.DeadLetter) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.DeadLetter(ctx, letter); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recordDeadLetter hands letter to sink, counts it and logs it. The sink
// runs detached from ctx cancellation so shutdown does not lose letters.
func recordDeadLetter(ctx context.Context, sink eventstore.DeadLetterSink, m *DLQMetrics, log loggingpkg.ServiceLogger, letter eventstore.DeadLetter, cause error) {
	fields := loggingpkg.LogFields{
		loggingpkg.FieldSubject:   letter.Subject,
		loggingpkg.FieldTenantID:  letter.TenantID,
		loggingpkg.FieldEventID:   letter.Event.EventID,
		loggingpkg.FieldEventType: letter.Event.EventType,
		loggingpkg.FieldAttempt:   letter.Attempts,
		"reason":                  string(letter.Reason),
	}

	var sinkErr error
	if sink != nil {
		sinkErr = sink.DeadLetter(context.WithoutCancel(ctx), letter)
	}
	m.RecordDeadLetter(letter, sinkErr)

	log.Error("Event dead-lettered", cause, fields)
	if sinkErr != nil {
		log.Error("Dead-letter sink failed", sinkErr, fields)
	}
}
