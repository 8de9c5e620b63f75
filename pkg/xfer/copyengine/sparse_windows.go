//go:build windows

package copyengine

import (
	"os"

	"golang.org/x/sys/windows"
)

const fsctlSetSparse = 0x000900c4

// prepareSparseDestination marks the destination file sparse via
// FSCTL_SET_SPARSE, so that the zero-run chunks copySparse skips become
// holes rather than allocated zero-filled clusters. NTFS requires the
// per-file attribute before any hole can exist; a filesystem that rejects
// the control code keeps the copy on the plain buffered path.
func prepareSparseDestination(destination *os.File) bool {
	var bytesReturned uint32
	err := windows.DeviceIoControl(
		windows.Handle(destination.Fd()), fsctlSetSparse,
		nil, 0, nil, 0, &bytesReturned, nil)
	return err == nil
}
