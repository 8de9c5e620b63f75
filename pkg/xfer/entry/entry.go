// Package entry defines the Entry type that flows from the Enumerator
// through the StreamingPlanner and TaskAggregator, along with the
// traversal-safety checks that every relative path must pass before it's
// used to construct a destination path.
package entry

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Entry represents a single filesystem object discovered by the Enumerator.
type Entry struct {
	// RelativePath is the entry's path relative to the transfer root, using
	// forward slashes regardless of platform.
	RelativePath string
	// SourcePath is the absolute source path.
	SourcePath string
	// DestinationPath is the absolute destination path.
	DestinationPath string
	// Size is the entry's size in bytes. Zero for directories and symlinks.
	Size int64
	// ModTimeNanoseconds is the entry's modification time in nanoseconds
	// since the Unix epoch.
	ModTimeNanoseconds int64
	// Mode holds the entry's POSIX-style mode bits.
	Mode uint32
	// SymlinkTarget holds the link target if IsSymlink is true.
	SymlinkTarget string
	// IsSymlink indicates that the entry is a symbolic link.
	IsSymlink bool
	// IsDirectory indicates that the entry is a directory.
	IsDirectory bool
}

// Normalize returns the entry's relative path passed through Unicode
// normalization (NFC), so that source and destination filesystems using
// different decomposition conventions (e.g. HFS+'s NFD vs. NTFS/most POSIX
// filesystems' NFC) compare equal.
func Normalize(relativePath string) string {
	return norm.NFC.String(relativePath)
}

// IsPathSafe reports whether a relative path is safe to join onto a
// destination root: it must not be empty, must not be absolute, must not
// contain a ".." component, and must not carry a Windows drive prefix
// (e.g. "C:") even when evaluated on a non-Windows platform, since a
// traversal attempt crafted for one platform shouldn't succeed by accident
// on another.
func IsPathSafe(relativePath string) bool {
	if relativePath == "" {
		return false
	}

	// Reject backslashes outright; Blit's relative paths are always
	// slash-separated internally (see Entry.RelativePath), so a backslash can
	// only appear in an entry that was constructed from untrusted input (a
	// remote manifest or a tar archive).
	if strings.ContainsRune(relativePath, '\\') {
		return false
	}

	// Reject a drive-letter prefix ("C:", "d:") regardless of platform.
	if len(relativePath) >= 2 && relativePath[1] == ':' {
		return false
	}

	// Reject absolute paths.
	if path.IsAbs(relativePath) {
		return false
	}

	// Reject any ".." path component. path.Clean alone isn't sufficient
	// here because it would silently resolve "a/../../b" down to "../b"
	// without us ever seeing the escaping component explicitly, so we check
	// components directly.
	for _, component := range strings.Split(relativePath, "/") {
		if component == ".." {
			return false
		}
	}

	return true
}
