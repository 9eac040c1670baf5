package model

import "github.com/google/uuid"

// Version is a monotonically increasing token issued by the Route Store on
// every successful Apply (spec.md §3, §4.1). The sequence number alone
// gives the total order readers rely on; the UUID stamp exists only to
// correlate a version with log lines and metrics across driver restarts,
// where the sequence counter starts again from 1 (no driver restores it
// from persisted state) and a collision-free identifier is still useful
// for operators grepping logs.
type Version struct {
	Sequence uint64
	Stamp    uuid.UUID
}

func (v Version) String() string {
	return v.Stamp.String()
}

// Less reports whether v precedes other in publication order.
func (v Version) Less(other Version) bool { return v.Sequence < other.Sequence }

// NewVersion mints the next version token after prev.
func NewVersion(prev Version) Version {
	return Version{Sequence: prev.Sequence + 1, Stamp: uuid.New()}
}

// Snapshot is an immutable, versioned set of routes (spec.md §3, §4.1).
// Once published, a Snapshot's Routes slice must not be mutated in place;
// callers that need to change routes build a new Snapshot.
type Snapshot struct {
	Version Version
	Routes  []Route
}
