package eventstore

import "fmt"

// ExpectedVersion states what the caller believes the stream version is.
type ExpectedVersion struct {
	value int64
}

const (
	expectedVersionAny      = -1
	expectedVersionNoStream = -2
)

// Any skips the version check. The unique index still rejects a concurrent
// writer that claims the same sequence number.
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionAny}
}

// NoStream requires the stream to be empty.
func NoStream() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionNoStream}
}

// Exact requires the highest sequence number of the stream to equal version.
// Exact(0) is equivalent to NoStream.
func Exact(version int64) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("eventstore: exact version must be non-negative, got %d", version))
	}
	return ExpectedVersion{value: version}
}

func (ev ExpectedVersion) IsAny() bool { return ev.value == expectedVersionAny }

func (ev ExpectedVersion) IsNoStream() bool { return ev.value == expectedVersionNoStream }

func (ev ExpectedVersion) IsExact() bool { return ev.value >= 0 }

// Value returns the version required by the check: n for Exact(n), 0 for
// NoStream and -1 for Any.
func (ev ExpectedVersion) Value() int64 {
	if ev.IsNoStream() {
		return 0
	}
	return ev.value
}

// Check reports whether current satisfies the expectation.
func (ev ExpectedVersion) Check(current int64) bool {
	if ev.IsAny() {
		return true
	}
	return current == ev.Value()
}

func (ev ExpectedVersion) String() string {
	switch {
	case ev.IsAny():
		return "Any"
	case ev.IsNoStream():
		return "NoStream"
	default:
		return fmt.Sprintf("Exact(%d)", ev.value)
	}
}
