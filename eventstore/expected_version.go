package eventstore

import "fmt"

// ExpectedVersion declares the caller's expectation about a stream's current
// version for optimistic concurrency control.
type ExpectedVersion struct {
	value int64
}

const (
	expectedAny      = -1
	expectedNoStream = -2
)

// Any skips the version check entirely.
func Any() ExpectedVersion { return ExpectedVersion{value: expectedAny} }

// NoStream requires the stream to not exist yet.
func NoStream() ExpectedVersion { return ExpectedVersion{value: expectedNoStream} }

// Exact requires the stream to be at exactly the given version.
func Exact(version int64) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("exact version must be non-negative, got %d", version))
	}
	return ExpectedVersion{value: version}
}

// IsAny reports whether no version check should be performed.
func (ev ExpectedVersion) IsAny() bool { return ev.value == expectedAny }

// IsNoStream reports whether the stream must not exist.
func (ev ExpectedVersion) IsNoStream() bool { return ev.value == expectedNoStream }

// Value returns the exact version, or 0 for Any and NoStream.
func (ev ExpectedVersion) Value() int64 {
	if ev.value >= 0 {
		return ev.value
	}
	return 0
}

// Matches reports whether the stream's current version satisfies the
// expectation.
func (ev ExpectedVersion) Matches(current int64) bool {
	switch {
	case ev.IsAny():
		return true
	case ev.IsNoStream():
		return current == 0
	default:
		return ev.value == current
	}
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
