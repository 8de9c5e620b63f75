package filesystem

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	// PerfHistoryFileName is the name of the JSON-Lines performance history
	// file persisted under the caller-supplied state directory.
	PerfHistoryFileName = "perf_local.jsonl"

	// PredictorStateFileName is the name of the file holding serialized
	// predictor coefficients by filesystem profile.
	PredictorStateFileName = "predictor.json"

	// CapabilityCacheFileName is the name of the file holding persisted
	// per-volume capability probe results.
	CapabilityCacheFileName = "capability_cache.json"

	// JournalCheckpointFileName is the name of the file holding the last
	// observed journal/mtime snapshots per watched root.
	JournalCheckpointFileName = "journal_checkpoint.json"
)

// StateDirectory computes (and optionally creates) the path to a named file
// inside a caller-supplied state directory. The caller owns the directory's
// location and lifetime; this function only normalizes creation semantics.
func StateDirectory(root string, create bool, pathComponents ...string) (string, error) {
	// Compute the target path.
	result := filepath.Join(root, filepath.Join(pathComponents...))

	// If requested, ensure that the parent directory tree exists.
	if create {
		if err := os.MkdirAll(filepath.Dir(result), 0700); err != nil {
			return "", errors.Wrap(err, "unable to create state subpath")
		}
	}

	// Success.
	return result, nil
}
