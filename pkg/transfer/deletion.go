package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blit-sync/blit/pkg/contextutil"
	"github.com/blit-sync/blit/pkg/logging"
	"github.com/blit-sync/blit/pkg/xfer/entry"
	"github.com/blit-sync/blit/pkg/xfer/enumerate"
)

// applyDeletions removes every destination-only path the planner collected,
// in the order the planner emitted them (deepest paths first, per its own
// bottom-up emission), clearing any read-only attribute first on a
// best-effort basis. It returns the count of entries actually removed. A
// mirror run against a destination with a huge deletion backlog can take a
// while to drain, so it checks ctx between entries rather than only before
// starting.
func applyDeletions(ctx context.Context, paths []string, destinationRoot string, logger *logging.Logger) int64 {
	var removed int64
	for _, relativePath := range paths {
		if contextutil.IsCancelled(ctx) {
			break
		}

		if !entry.IsPathSafe(relativePath) {
			logger.Warnf("refusing to delete unsafe destination path %q", relativePath)
			continue
		}

		full := filepath.Join(destinationRoot, relativePath)
		clearReadOnly(full)

		if err := os.Remove(full); err != nil {
			if !os.IsNotExist(err) {
				logger.Warnf("unable to remove %q: %v", full, err)
			}
			continue
		}
		removed++
	}
	return removed
}

// clearReadOnly best-effort clears a read-only attribute (the Windows
// FILE_ATTRIBUTE_READONLY bit, or the POSIX owner-write bit) before
// attempting removal. Failures are ignored; the subsequent os.Remove call
// reports anything that actually prevents deletion.
func clearReadOnly(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	_ = os.Chmod(path, info.Mode()|0200)
}

// moveCleanup verifies, then removes, every non-directory source entry that
// Mirror already copied successfully, followed by the now-empty source
// directories (deepest first) and finally the source root itself. It's the
// "verified source removal" half of Move: rather than trusting the run's
// file/byte counters, it re-stats each destination path directly.
func moveCleanup(ctx context.Context, source, destination string, filter *enumerate.Filter, followSymlinks bool) (int64, error) {
	var removedFiles int64
	var directories []string

	walkErr := enumerate.Walk(source, destination, enumerate.Options{Filter: filter, FollowSymlinks: followSymlinks}, func(e entry.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDirectory {
			directories = append(directories, e.SourcePath)
			return nil
		}

		destinationInfo, err := os.Lstat(e.DestinationPath)
		if err != nil || (!e.IsSymlink && destinationInfo.Size() != e.Size) {
			// Not verified as copied; leave the source entry in place.
			return nil
		}

		if err := os.Remove(e.SourcePath); err == nil {
			removedFiles++
		}
		return nil
	}, func(string, error) {})

	// Remove directories deepest-first so parents empty out before their
	// own removal is attempted.
	sort.Slice(directories, func(i, j int) bool {
		return strings.Count(directories[i], string(filepath.Separator)) > strings.Count(directories[j], string(filepath.Separator))
	})
	for _, directory := range directories {
		_ = os.Remove(directory)
	}
	_ = os.Remove(source)

	return removedFiles, walkErr
}
