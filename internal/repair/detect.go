package repair

import (
	"georepl/internal/clock"
	"georepl/internal/storage"
)

// Outcome is what to do with an incoming remote version.
type Outcome int

const (
	// Drop means local state already dominates the remote version.
	Drop Outcome = iota
	// Adopt means the remote version dominates and replaces local state.
	Adopt
	// Duplicate means the remote version is identical to local state.
	Duplicate
	// Concurrent means neither version dominates.
	Concurrent
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Drop:
		return "drop"
	case Adopt:
		return "adopt"
	case Duplicate:
		return "duplicate"
	case Concurrent:
		return "conflict"
	default:
		return "unknown"
	}
}

// Detect classifies remote against the local version of the same key.
// hasLocal is false when the key has never been seen, in which case the
// remote version is adopted.
//
// Equal clocks carrying different payloads cannot come from the same write,
// so they are reported as a conflict rather than a duplicate.
func Detect(local storage.VersionedData, hasLocal bool, remote storage.VersionedData) Outcome {
	if !hasLocal {
		return Adopt
	}

	switch remote.VectorClock.Compare(local.VectorClock) {
	case clock.Before:
		return Drop
	case clock.After:
		return Adopt
	case clock.Equal:
		if remote.Checksum == local.Checksum {
			return Duplicate
		}
		return Concurrent
	default:
		return Concurrent
	}
}

// MergedClock returns a clock that covers both versions.
func MergedClock(a, b storage.VersionedData) clock.VectorClock {
	vc := a.VectorClock.Copy()
	vc.Merge(b.VectorClock)
	return vc
}
