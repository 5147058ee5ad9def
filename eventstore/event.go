package eventstore

import (
	"time"
)

// PersistedEvent is an immutable event as read back from the store.
type PersistedEvent struct {
	EventID          string
	StreamID         string
	SequenceNumber   int64
	TenantID         string
	GlobalSequenceID int64
	EventType        string
	Payload          []byte
	// Metadata is opaque to the store. The metadata package encodes string
	// maps into it.
	Metadata     []byte
	TimestampUTC time.Time
}

// EventData is the input of Append.
type EventData struct {
	// EventID is generated when empty.
	EventID   string
	EventType string
	Payload   []byte
	Metadata  []byte
	// TenantID may be left empty. When set it must equal the tenant passed to Append.
	TenantID string
	// Timestamp defaults to the append time.
	Timestamp time.Time
}

// AppendResult reports what Append wrote, in input order.
type AppendResult struct {
	Events []PersistedEvent
}

// GlobalSequenceIDs returns the global ids assigned to the appended events.
func (r AppendResult) GlobalSequenceIDs() []int64 {
	ids := make([]int64, len(r.Events))
	for i, evt := range r.Events {
		ids[i] = evt.GlobalSequenceID
	}
	return ids
}

// FromVersion is the sequence number of the first appended event.
func (r AppendResult) FromVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[0].SequenceNumber
}

// ToVersion is the stream version after the append.
func (r AppendResult) ToVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[len(r.Events)-1].SequenceNumber
}

// StreamID builds the deterministic stream id of an aggregate instance.
func StreamID(aggregateType, aggregateID string) string {
	return aggregateType + "-" + aggregateID
}
