package metadata

// ReservedPrefix marks headers owned by the envelope.
const ReservedPrefix = "eventcore_"

// Envelope header keys. Values are always strings; numeric values use base 10.
const (
	KeyTenantID         = "eventcore_tenant_id"
	KeyCorrelationID    = "correlation_id"
	KeyGlobalSequenceID = "eventcore_global_sequence_id"
	KeyEventID          = "eventcore_event_id"
	KeyEventType        = "eventcore_event_type"
	KeyStreamID         = "eventcore_stream_id"
	KeySequenceNumber   = "eventcore_sequence_number"
	KeyTimestamp        = "eventcore_timestamp"
	// KeyMetadata carries the stored metadata bytes, base64 encoded.
	KeyMetadata = "eventcore_metadata"
	KeySubject  = "eventcore_subject"

	// Dead-letter annotations.
	KeyOriginalSubject = "eventcore_original_subject"
	KeyError           = "eventcore_error"
	KeyDeadLetterKind  = "eventcore_dead_letter_reason"
	KeyAttempts        = "eventcore_attempts"

	// KeyTerminate is set on a message acked as poison. Transports with a
	// terminate primitive (JetStream Term) use it instead of a plain ack.
	KeyTerminate = "eventcore_terminate"

	// KeyEventSchema names the protobuf message type of a typed payload.
	KeyEventSchema = "event_message_schema"
)
