// Package journal implements the fast-path change-record probe described in
// the planner's journal short-circuit: a lightweight, platform-specific
// snapshot of a root's change state, compared against a persisted checkpoint
// from the previous run to decide whether a full walk can be skipped
// entirely.
package journal

import (
	"encoding/json"
	"path/filepath"

	"github.com/blit-sync/blit/pkg/comparison"
	"github.com/blit-sync/blit/pkg/encoding"
	"github.com/blit-sync/blit/pkg/filesystem"
	"github.com/blit-sync/blit/pkg/logging"
	"github.com/google/uuid"
)

// Platform identifies which tagged variant of Snapshot is populated.
type Platform uint8

const (
	// PlatformWindows indicates the Windows variant (USN journal).
	PlatformWindows Platform = iota
	// PlatformMacOS indicates the macOS variant (FSEvents).
	PlatformMacOS
	// PlatformLinux indicates the Linux/fallback variant (directory ctime).
	PlatformLinux
)

// Snapshot is a tagged union with one variant per platform: it
// carries exactly one populated variant, selected by Platform, plus the
// probed root path common to all variants.
type Snapshot struct {
	// Root is the path that was probed.
	Root string `json:"root"`
	// Platform selects which variant below is meaningful.
	Platform Platform `json:"platform"`

	// Windows variant.
	VolumeSerial uint32 `json:"volume_serial,omitempty"`
	JournalID    uint64 `json:"journal_id,omitempty"`
	NextUSN      int64  `json:"next_usn,omitempty"`

	// MacOS variant.
	FSID        int32  `json:"fs_id,omitempty"`
	LastEventID uint64 `json:"last_event_id,omitempty"`

	// Linux/fallback variant.
	DirCTimeNanoseconds int64 `json:"dir_ctime_ns,omitempty"`

	// DirModTimeNanoseconds is carried on every variant: matching USNs
	// override mismatching directory mtimes, so the mtime is captured
	// alongside the primary journal data on every platform.
	DirModTimeNanoseconds int64 `json:"dir_mtime_ns,omitempty"`
}

// Matches reports whether two snapshots of the same root refer to the same
// journal/mtime state, meaning no changes have occurred since the earlier
// snapshot was taken. A mismatch in platform never matches. Matching USNs
// (or event IDs) override a mismatching directory mtime, per the planner's
// fast-path rule.
func (s Snapshot) Matches(previous Snapshot) bool {
	if s.Platform != previous.Platform || s.Root != previous.Root {
		return false
	}
	switch s.Platform {
	case PlatformWindows:
		if s.VolumeSerial == previous.VolumeSerial && s.JournalID == previous.JournalID && s.NextUSN == previous.NextUSN {
			return true
		}
		return false
	case PlatformMacOS:
		if s.FSID == previous.FSID && s.LastEventID == previous.LastEventID {
			return true
		}
		return false
	default:
		return s.DirCTimeNanoseconds == previous.DirCTimeNanoseconds &&
			s.DirModTimeNanoseconds == previous.DirModTimeNanoseconds
	}
}

// Checkpoint is the persisted record of the last successful run's snapshots,
// keyed by root path. It's stored as journal_checkpoint.json under the
// caller-supplied state directory.
type Checkpoint struct {
	// MachineID records the random identifier of the process that wrote the
	// checkpoint (see machineID). It is only recorded: neither
	// LoadCheckpoint nor NoChanges compares it, so a checkpoint in a state
	// directory shared across machines is matched like any other.
	MachineID string              `json:"machine_id"`
	Snapshots map[string]Snapshot `json:"snapshots"`
	// FilterIncludes and FilterExcludes fingerprint the enumerate.Filter in
	// effect when this checkpoint was written. A filter change between runs
	// (a newly excluded directory, say) can change which paths matter
	// without touching the root's journal/mtime state at all, so NoChanges
	// additionally requires these to match the filter being used now.
	FilterIncludes []string `json:"filter_includes,omitempty"`
	FilterExcludes []string `json:"filter_excludes,omitempty"`
}

// machineID is resolved once per process and used to stamp new checkpoints.
var machineID = uuid.NewString()

// LoadCheckpoint reads the checkpoint file from the given state directory.
// It returns a zero Checkpoint (never an error) if the directory is empty or
// the file doesn't exist, so that callers can treat "no checkpoint" and "any
// load failure" identically: the probe degrades to an always-advisory,
// never-matching state rather than failing the run.
func LoadCheckpoint(stateDirectory string) Checkpoint {
	empty := Checkpoint{Snapshots: make(map[string]Snapshot)}
	if stateDirectory == "" {
		return empty
	}

	path := filepath.Join(stateDirectory, filesystem.JournalCheckpointFileName)
	var checkpoint Checkpoint
	err := encoding.LoadAndUnmarshal(path, func(data []byte) error {
		return json.Unmarshal(data, &checkpoint)
	})
	if err != nil {
		return empty
	}
	if checkpoint.Snapshots == nil {
		checkpoint.Snapshots = make(map[string]Snapshot)
	}
	return checkpoint
}

// SaveCheckpoint persists the checkpoint to the given state directory. It's a
// no-op if the directory is empty (persistence disabled).
func SaveCheckpoint(stateDirectory string, checkpoint Checkpoint, logger *logging.Logger) error {
	if stateDirectory == "" {
		return nil
	}
	checkpoint.MachineID = machineID

	path, err := filesystem.StateDirectory(stateDirectory, true, filesystem.JournalCheckpointFileName)
	if err != nil {
		return err
	}
	return encoding.MarshalAndSave(path, func() ([]byte, error) { return json.Marshal(checkpoint) }, logger)
}

// NoChanges reports whether both the source and destination probes matched
// their checkpoints, refer to the same journal identity, and were probed
// under the same include/exclude filter as the checkpoint, per the
// planner's "If both sides are NoChanges" rule.
func NoChanges(sourceCurrent, sourcePrevious, destCurrent, destPrevious Snapshot, havePreviousSource, havePreviousDest bool, checkpoint Checkpoint, currentFilterIncludes, currentFilterExcludes []string) bool {
	if !havePreviousSource || !havePreviousDest {
		return false
	}
	if !comparison.StringSlicesEqual(checkpoint.FilterIncludes, currentFilterIncludes) {
		return false
	}
	if !comparison.StringSlicesEqual(checkpoint.FilterExcludes, currentFilterExcludes) {
		return false
	}
	return sourceCurrent.Matches(sourcePrevious) && destCurrent.Matches(destPrevious)
}
