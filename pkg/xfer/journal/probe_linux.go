//go:build linux

package journal

import (
	"os"
	"syscall"
)

// Probe queries the lightweight change record for root. On Linux there's no
// cheap journal equivalent exposed to userspace for arbitrary filesystems, so
// the probe falls back to the directory's ctime.
func Probe(root string) (Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		Root:                  root,
		Platform:              PlatformLinux,
		DirModTimeNanoseconds: info.ModTime().UnixNano(),
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		snapshot.DirCTimeNanoseconds = stat.Ctim.Sec*1e9 + stat.Ctim.Nsec
	}

	return snapshot, nil
}
