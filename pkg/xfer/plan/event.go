// Package plan implements the StreamingPlanner: it decides, for each
// enumerated entry, whether to copy, skip, or delete, and emits a stream of
// PlannerEvents describing its decisions.
package plan

import (
	"time"

	"github.com/blit-sync/blit/pkg/xfer/entry"
)

// EventKind identifies which tagged variant of PlannerEvent is populated.
type EventKind uint8

const (
	// EventEntry carries an accepted entry to be copied.
	EventEntry EventKind = iota
	// EventProgress carries aggregated skip/accept counters, emitted every
	// progressInterval entries.
	EventProgress
	// EventDeletion carries a single destination-only path to remove
	// (mirror mode).
	EventDeletion
	// EventFinished signals the end of planning.
	EventFinished
	// EventError carries a per-entry or fatal error.
	EventError
)

// Event is the tagged union PlannerEvent.
type Event struct {
	Kind EventKind

	// EventEntry.
	Entry entry.Entry

	// EventProgress.
	Files int64
	Bytes int64

	// EventDeletion.
	DeletionPath string

	// EventFinished.
	Duration time.Duration

	// EventError.
	ErrorKind string
	Context   string
	Err       error
}

// progressInterval is how often (in processed entries) a Progress event is
// emitted.
const progressInterval = 256
