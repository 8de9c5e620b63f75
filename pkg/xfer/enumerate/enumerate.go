// Package enumerate walks a source tree and produces a lazy sequence of
// entries, honoring include/exclude filters and (optionally) following
// symbolic links with cycle detection.
package enumerate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blit-sync/blit/pkg/filesystem"
	"github.com/blit-sync/blit/pkg/xfer/entry"
)

// Options configures an enumeration run.
type Options struct {
	// Filter restricts which entries are emitted. A nil Filter accepts
	// everything.
	Filter *Filter
	// FollowSymlinks causes the walk to traverse symbolic links rather than
	// recording them as symlink entries. Cycle detection via device+inode
	// pairs is applied when this is enabled.
	FollowSymlinks bool
}

// Visitor is invoked once per enumerated entry, in an implementation-defined
// order. Directory entries are always visited before their children.
// Returning a non-nil error aborts the whole walk, and Walk returns that
// error.
type Visitor func(e entry.Entry) error

// ErrorHandler is invoked when stat'ing an individual entry fails. The walk
// continues after an ErrorHandler call; only a failure to open the root is
// fatal (returned directly from Walk).
type ErrorHandler func(relativePath string, err error)

// Walk enumerates sourceRoot, invoking visitor for every entry accepted by
// the filter and destinationRoot to compute each entry's destination path.
// It returns an error if the root itself could not be stat'ed or if visitor
// returned one; per-entry stat failures are routed to onError and the walk
// continues.
func Walk(sourceRoot, destinationRoot string, options Options, visitor Visitor, onError ErrorHandler) error {
	seen := make(map[visitKey]struct{})

	rootInfo, err := os.Lstat(sourceRoot)
	if err != nil {
		return fmt.Errorf("unable to stat source root: %w", err)
	}

	return walkDirectory(sourceRoot, destinationRoot, "", rootInfo, options, visitor, onError, seen)
}

// visitKey identifies a filesystem object for symlink-cycle detection.
type visitKey struct {
	device uint64
	inode  uint64
}

func walkDirectory(sourcePath, destinationPath, relativePath string, info os.FileInfo, options Options, visitor Visitor, onError ErrorHandler, seen map[visitKey]struct{}) error {
	// The transfer root itself is never emitted as an entry; only its
	// contents are. relativePath == "" marks the root.
	if relativePath != "" {
		e, err := entryFromInfo(sourcePath, destinationPath, relativePath, info, options, seen)
		if err != nil {
			onError(relativePath, err)
			return nil
		}

		if !options.Filter.Accepts(relativePath) {
			return nil
		}

		if e.IsSymlink && !options.FollowSymlinks {
			return visitor(e)
		}

		if !e.IsDirectory {
			return visitor(e)
		}

		// Directories are visited before their children so the planner can
		// short-circuit subtrees skipped by policy.
		if err := visitor(e); err != nil {
			return err
		}
	}

	contents, err := filesystem.DirectoryContentsByPath(sourcePath)
	if err != nil {
		onError(relativePath, err)
		return nil
	}

	for _, child := range contents {
		childRelative := child.Name()
		if relativePath != "" {
			childRelative = relativePath + "/" + child.Name()
		}
		childSource := filepath.Join(sourcePath, child.Name())
		childDestination := filepath.Join(destinationPath, child.Name())

		childInfo := child
		if child.Mode()&os.ModeSymlink != 0 && options.FollowSymlinks {
			if resolved, statErr := os.Stat(childSource); statErr == nil {
				childInfo = resolved
			}
		}

		if childInfo.IsDir() {
			if err := walkDirectory(childSource, childDestination, childRelative, childInfo, options, visitor, onError, seen); err != nil {
				return err
			}
		} else {
			e, err := entryFromInfo(childSource, childDestination, childRelative, childInfo, options, seen)
			if err != nil {
				onError(childRelative, err)
				continue
			}
			if !options.Filter.Accepts(childRelative) {
				continue
			}
			if err := visitor(e); err != nil {
				return err
			}
		}
	}

	return nil
}

func entryFromInfo(sourcePath, destinationPath, relativePath string, info os.FileInfo, options Options, seen map[visitKey]struct{}) (entry.Entry, error) {
	e := entry.Entry{
		RelativePath:       entry.Normalize(relativePath),
		SourcePath:         sourcePath,
		DestinationPath:    destinationPath,
		Size:               info.Size(),
		ModTimeNanoseconds: info.ModTime().UnixNano(),
		Mode:               uint32(info.Mode().Perm()),
		IsDirectory:        info.IsDir(),
	}

	if info.Mode()&os.ModeSymlink != 0 {
		e.IsSymlink = true
		if target, err := os.Readlink(sourcePath); err == nil {
			e.SymlinkTarget = target
		} else {
			return entry.Entry{}, fmt.Errorf("unable to read symlink target: %w", err)
		}
	}

	// Only directories can close a traversal cycle; tracking files too would
	// misreport a hard-linked file reached twice as one.
	if options.FollowSymlinks && info.IsDir() {
		if key, ok := deviceInodeKey(info); ok {
			if _, exists := seen[key]; exists {
				return entry.Entry{}, fmt.Errorf("symlink cycle detected at %q", relativePath)
			}
			seen[key] = struct{}{}
		}
	}

	return e, nil
}
