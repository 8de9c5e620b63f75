package journal

import (
	"testing"
)

// TestSnapshotMatches tests the NoChanges matching rule across platforms.
func TestSnapshotMatches(t *testing.T) {
	a := Snapshot{Root: "/src", Platform: PlatformLinux, DirCTimeNanoseconds: 100, DirModTimeNanoseconds: 200}
	b := Snapshot{Root: "/src", Platform: PlatformLinux, DirCTimeNanoseconds: 100, DirModTimeNanoseconds: 200}
	c := Snapshot{Root: "/src", Platform: PlatformLinux, DirCTimeNanoseconds: 101, DirModTimeNanoseconds: 200}

	if !a.Matches(b) {
		t.Error("identical snapshots should match")
	}
	if a.Matches(c) {
		t.Error("differing ctime should not match")
	}
}

// TestSnapshotMatchesUSNOverridesMtime tests that a matching USN overrides a
// mismatching directory mtime.
func TestSnapshotMatchesUSNOverridesMtime(t *testing.T) {
	a := Snapshot{Root: "/src", Platform: PlatformWindows, VolumeSerial: 1, JournalID: 5, NextUSN: 10, DirModTimeNanoseconds: 100}
	b := Snapshot{Root: "/src", Platform: PlatformWindows, VolumeSerial: 1, JournalID: 5, NextUSN: 10, DirModTimeNanoseconds: 999}

	if !a.Matches(b) {
		t.Error("matching USN should override mismatching mtime")
	}
}

// TestNoChangesRequiresBothSides tests that NoChanges is false unless both
// sides have a previous snapshot and both match.
func TestNoChangesRequiresBothSides(t *testing.T) {
	s := Snapshot{Root: "/src", Platform: PlatformLinux, DirCTimeNanoseconds: 1, DirModTimeNanoseconds: 1}
	checkpoint := Checkpoint{}

	if NoChanges(s, s, s, s, false, true, checkpoint, nil, nil) {
		t.Error("should require a previous source snapshot")
	}
	if !NoChanges(s, s, s, s, true, true, checkpoint, nil, nil) {
		t.Error("matching snapshots on both sides should report no changes")
	}
}

// TestNoChangesRequiresMatchingFilter tests that a filter fingerprint
// mismatch forces a full walk even when both snapshots otherwise match.
func TestNoChangesRequiresMatchingFilter(t *testing.T) {
	s := Snapshot{Root: "/src", Platform: PlatformLinux, DirCTimeNanoseconds: 1, DirModTimeNanoseconds: 1}
	checkpoint := Checkpoint{FilterExcludes: []string{"*.tmp"}}

	if NoChanges(s, s, s, s, true, true, checkpoint, nil, nil) {
		t.Error("a changed filter should force a full walk")
	}
	if !NoChanges(s, s, s, s, true, true, checkpoint, nil, []string{"*.tmp"}) {
		t.Error("matching filter fingerprints should report no changes")
	}
}

// TestCheckpointRoundTrip tests that a saved checkpoint can be loaded back.
func TestCheckpointRoundTrip(t *testing.T) {
	directory := t.TempDir()

	checkpoint := Checkpoint{
		Snapshots: map[string]Snapshot{
			"/src": {Root: "/src", Platform: PlatformLinux, DirCTimeNanoseconds: 42},
		},
	}

	if err := SaveCheckpoint(directory, checkpoint, nil); err != nil {
		t.Fatal(err)
	}

	loaded := LoadCheckpoint(directory)
	if loaded.Snapshots["/src"].DirCTimeNanoseconds != 42 {
		t.Error("checkpoint did not round-trip")
	}
}

// TestLoadCheckpointMissingDirectory tests that loading with no state
// directory returns an empty checkpoint rather than an error.
func TestLoadCheckpointMissingDirectory(t *testing.T) {
	loaded := LoadCheckpoint("")
	if len(loaded.Snapshots) != 0 {
		t.Error("expected empty checkpoint")
	}
}
