package eventstore

import "strconv"

// TrackingToken is the global sequence id of the last fully processed event.
// Reading all events after a token resumes processing right after it.
type TrackingToken int64

// TailToken positions a reader before the first event.
const TailToken TrackingToken = 0

// Position is the global sequence id the token points at.
func (t TrackingToken) Position() int64 {
	return int64(t)
}

// Advance returns the later of t and position.
func (t TrackingToken) Advance(position int64) TrackingToken {
	if position > int64(t) {
		return TrackingToken(position)
	}
	return t
}

func (t TrackingToken) String() string {
	return strconv.FormatInt(int64(t), 10)
}
