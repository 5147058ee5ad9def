// Package envelope maps persisted events onto bus messages and back.
//
// A subject has the form <prefix><tenant>.<suffix>, e.g. TENANT_acme.OrderPlaced.
// The message UUID is the event id and the payload is the stored payload;
// everything else travels in eventcore_* headers.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventcore/eventstore"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	"github.com/drblury/eventcore/internal/runtime/ids"
	"github.com/drblury/eventcore/internal/runtime/metadata"
)

// ErrMalformed is returned by FromMessage and ParseSubject. The consumer
// treats it as poison.
var ErrMalformed = errors.New("eventcore: malformed envelope")

const reservedSubjectChars = ".*> \t\r\n"

// Envelope is a decoded bus message.
type Envelope struct {
	Subject string
	Event   eventstore.PersistedEvent
	// Metadata holds the caller headers, without the eventcore_ ones.
	Metadata      metadata.Metadata
	CorrelationID string
}

// Subject builds the tenant scoped subject for suffix.
func Subject(prefix, tenantID, suffix string) (string, error) {
	if tenantID == "" {
		return "", &errspkg.TenantMismatchError{}
	}
	if strings.ContainsAny(tenantID, reservedSubjectChars) {
		return "", fmt.Errorf("%w: tenant id %q contains a reserved subject character", ErrMalformed, tenantID)
	}
	if suffix == "" || strings.ContainsAny(suffix, "*> \t\r\n") || strings.HasPrefix(suffix, ".") || strings.HasSuffix(suffix, ".") {
		return "", fmt.Errorf("%w: invalid subject suffix %q", ErrMalformed, suffix)
	}
	return prefix + tenantID + "." + suffix, nil
}

// Wildcard returns the NATS pattern matching every subject of a tenant.
func Wildcard(prefix, tenantID string) string {
	return prefix + tenantID + ".>"
}

// ParseSubject splits a subject built by Subject.
func ParseSubject(prefix, subject string) (tenantID, suffix string, err error) {
	rest, ok := strings.CutPrefix(subject, prefix)
	if !ok {
		return "", "", fmt.Errorf("%w: subject %q lacks prefix %q", ErrMalformed, subject, prefix)
	}
	tenantID, suffix, ok = strings.Cut(rest, ".")
	if !ok || tenantID == "" || suffix == "" {
		return "", "", fmt.Errorf("%w: subject %q is not <prefix><tenant>.<suffix>", ErrMalformed, subject)
	}
	return tenantID, suffix, nil
}

// ToMessage builds the bus message for evt. Reserved keys in md are dropped
// so callers cannot override envelope headers.
func ToMessage(evt eventstore.PersistedEvent, subject string, md metadata.Metadata) (*message.Message, error) {
	if evt.EventID == "" {
		return nil, errspkg.ErrEventIDRequired
	}
	if evt.TenantID == "" {
		return nil, &errspkg.TenantMismatchError{}
	}

	headers := md.WithoutReserved()
	if headers[metadata.KeyCorrelationID] == "" {
		headers[metadata.KeyCorrelationID] = correlationFromStored(evt.Metadata)
	}
	headers[metadata.KeyTenantID] = evt.TenantID
	headers[metadata.KeyEventID] = evt.EventID
	headers[metadata.KeyEventType] = evt.EventType
	headers[metadata.KeyStreamID] = evt.StreamID
	headers[metadata.KeySequenceNumber] = strconv.FormatInt(evt.SequenceNumber, 10)
	headers[metadata.KeyGlobalSequenceID] = strconv.FormatInt(evt.GlobalSequenceID, 10)
	if !evt.TimestampUTC.IsZero() {
		headers[metadata.KeyTimestamp] = evt.TimestampUTC.UTC().Format(time.RFC3339Nano)
	}
	if len(evt.Metadata) > 0 {
		headers[metadata.KeyMetadata] = base64.StdEncoding.EncodeToString(evt.Metadata)
	}
	if subject != "" {
		headers[metadata.KeySubject] = subject
	}

	msg := message.NewMessage(evt.EventID, evt.Payload)
	msg.Metadata = metadata.ToWatermill(headers)
	return msg, nil
}

func correlationFromStored(stored []byte) string {
	if md, err := metadata.Decode(stored); err == nil && md[metadata.KeyCorrelationID] != "" {
		return md[metadata.KeyCorrelationID]
	}
	return ids.NewCorrelationID()
}

// FromMessage decodes a message built by ToMessage.
func FromMessage(msg *message.Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	h := msg.Metadata

	evt := eventstore.PersistedEvent{
		EventID:   h.Get(metadata.KeyEventID),
		TenantID:  h.Get(metadata.KeyTenantID),
		EventType: h.Get(metadata.KeyEventType),
		StreamID:  h.Get(metadata.KeyStreamID),
		Payload:   msg.Payload,
	}
	if evt.EventID == "" {
		evt.EventID = msg.UUID
	}
	if evt.EventID == "" {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, errspkg.ErrEventIDRequired)
	}
	if evt.TenantID == "" {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, &errspkg.TenantMismatchError{})
	}
	if evt.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, errspkg.ErrEventTypeRequired)
	}

	var err error
	if evt.SequenceNumber, err = parseInt(h, metadata.KeySequenceNumber); err != nil {
		return Envelope{}, err
	}
	if evt.GlobalSequenceID, err = parseInt(h, metadata.KeyGlobalSequenceID); err != nil {
		return Envelope{}, err
	}
	if ts := h.Get(metadata.KeyTimestamp); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: timestamp: %w", ErrMalformed, err)
		}
		evt.TimestampUTC = parsed.UTC()
	}
	if raw := h.Get(metadata.KeyMetadata); raw != "" {
		if evt.Metadata, err = base64.StdEncoding.DecodeString(raw); err != nil {
			return Envelope{}, fmt.Errorf("%w: metadata: %w", ErrMalformed, err)
		}
	}

	md := metadata.FromWatermill(h).WithoutReserved()
	return Envelope{
		Subject:       h.Get(metadata.KeySubject),
		Event:         evt,
		Metadata:      md,
		CorrelationID: md[metadata.KeyCorrelationID],
	}, nil
}

func parseInt(h message.Metadata, key string) (int64, error) {
	raw := h.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrMalformed, key, err)
	}
	return n, nil
}
