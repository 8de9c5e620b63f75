package housekeeping

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blit-sync/blit/pkg/filesystem"
)

// TestHousekeepPerfHistoryRotatesOversizedFile tests that an oversized
// performance history file is trimmed down to under the cap, dropping whole
// lines from the front.
func TestHousekeepPerfHistoryRotatesOversizedFile(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, filesystem.PerfHistoryFileName)

	line := strings.Repeat("x", 1024) + "\n"
	var builder strings.Builder
	for builder.Len() < maximumPerfHistorySize+4096 {
		builder.WriteString(line)
	}
	if err := os.WriteFile(path, []byte(builder.String()), 0600); err != nil {
		t.Fatal("unable to write test history file:", err)
	}

	Housekeep(directory, nil)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal("unable to stat rotated history file:", err)
	}
	if info.Size() > maximumPerfHistorySize {
		t.Error("history file not rotated under cap:", info.Size())
	}
}

// TestHousekeepPerfHistoryLeavesSmallFileAlone tests that a history file
// under the cap is left untouched.
func TestHousekeepPerfHistoryLeavesSmallFileAlone(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, filesystem.PerfHistoryFileName)

	content := []byte(`{"files":1,"bytes":2}` + "\n")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal("unable to write test history file:", err)
	}

	Housekeep(directory, nil)

	result, err := os.ReadFile(path)
	if err != nil {
		t.Fatal("unable to read history file:", err)
	}
	if string(result) != string(content) {
		t.Error("small history file was modified")
	}
}

// TestHousekeepCheckpointRemovesStaleFile tests that a journal checkpoint
// file older than the maximum allowed age is removed.
func TestHousekeepCheckpointRemovesStaleFile(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, filesystem.JournalCheckpointFileName)

	if err := os.WriteFile(path, []byte("{}"), 0600); err != nil {
		t.Fatal("unable to write test checkpoint file:", err)
	}

	stale := time.Now().Add(-2 * maximumCheckpointAge)
	if err := os.Chtimes(path, stale, stale); err != nil {
		t.Fatal("unable to backdate checkpoint file:", err)
	}

	Housekeep(directory, nil)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale checkpoint file was not removed")
	}
}

// TestHousekeepNoStateDirectory tests that Housekeep is a no-op when given an
// empty state directory.
func TestHousekeepNoStateDirectory(t *testing.T) {
	Housekeep("", nil)
}
