// Package housekeeping prunes persisted transfer state so that long-lived
// config directories don't accumulate stale history or checkpoint data.
package housekeeping

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/blit-sync/blit/pkg/filesystem"
	"github.com/blit-sync/blit/pkg/logging"
	"github.com/blit-sync/blit/pkg/must"
)

const (
	// maximumPerfHistorySize is the maximum allowed size of the performance
	// history file, in bytes, before oldest-first rotation is applied.
	maximumPerfHistorySize = 1 << 20

	// maximumCheckpointAge is the maximum age a journal checkpoint file is
	// allowed to sit unused before being discarded. A checkpoint older than
	// this is assumed to correspond to a root that's no longer being
	// transferred to or from.
	maximumCheckpointAge = 90 * 24 * time.Hour
)

// Housekeep prunes persisted state under the specified caller-supplied state
// directory. It is safe to call on every run; all operations are best-effort
// and failures are logged rather than surfaced, since housekeeping is never
// load-bearing for a transfer's correctness.
func Housekeep(stateDirectory string, logger *logging.Logger) {
	if stateDirectory == "" {
		return
	}
	housekeepPerfHistory(stateDirectory, logger)
	housekeepCheckpoint(stateDirectory, logger)
}

// housekeepPerfHistory caps the performance history file at
// maximumPerfHistorySize by dropping the oldest records (the leading lines of
// the file) until the remainder fits. This mirrors the capped, oldest-first
// rotation required of PerfHistory.
func housekeepPerfHistory(stateDirectory string, logger *logging.Logger) {
	path := filepath.Join(stateDirectory, filesystem.PerfHistoryFileName)

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() <= maximumPerfHistorySize {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warnf("unable to read performance history for rotation: %v", err)
		return
	}

	// Drop whole lines from the front until we're back under budget, so that
	// every surviving record is still a complete JSON object.
	trimTo := len(data) - maximumPerfHistorySize
	if newline := bytes.IndexByte(data[trimTo:], '\n'); newline != -1 {
		trimTo += newline + 1
	}
	retained := data[trimTo:]

	if err := filesystem.WriteFileAtomic(path, retained, 0600, logger); err != nil {
		logger.Warnf("unable to rotate performance history: %v", err)
	}
}

// housekeepCheckpoint removes a journal checkpoint file if it hasn't been
// refreshed in a long time, so that a root which is no longer ever
// transferred to or from doesn't leave stale probe state around forever.
func housekeepCheckpoint(stateDirectory string, logger *logging.Logger) {
	path := filepath.Join(stateDirectory, filesystem.JournalCheckpointFileName)

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > maximumCheckpointAge {
		must.OSRemove(path, logger)
	}
}
