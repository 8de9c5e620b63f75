//go:build darwin

package journal

import (
	"os"

	"github.com/mutagen-io/fsevents"
)

// Probe queries the FSEvents device identity and the current latest event ID
// for root, plus the directory's modification time.
func Probe(root string) (Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Snapshot{}, err
	}

	device, err := fsevents.DeviceForPath(root)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Root:                  root,
		Platform:              PlatformMacOS,
		FSID:                  device,
		LastEventID:           uint64(fsevents.LatestEventID()),
		DirModTimeNanoseconds: info.ModTime().UnixNano(),
	}, nil
}
