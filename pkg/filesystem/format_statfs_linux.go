// +build linux

package filesystem

import (
	"golang.org/x/sys/unix"
)

// FormatEXT represents an EXT2, EXT3, or EXT4 filesystem format.
const FormatEXT Format = iota + 100

// formatFromStatfs extracts the filesystem format from the filesystem
// metadata.
func formatFromStatfs(metadata *unix.Statfs_t) Format {
	switch metadata.Type {
	case unix.EXT4_SUPER_MAGIC:
		return FormatEXT
	case unix.NFS_SUPER_MAGIC:
		return FormatNFS
	default:
		return FormatUnknown
	}
}
