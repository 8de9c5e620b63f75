//go:build windows

package journal

import (
	"os"
	"path/filepath"
	"unsafe"

	winio "github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// usnJournalData mirrors USN_JOURNAL_DATA_V0 from winioctl.h, the structure
// returned by FSCTL_QUERY_USN_JOURNAL.
type usnJournalData struct {
	UsnJournalID uint64
	FirstUsn     int64
	NextUsn      int64
	LowestValidUsn int64
	MaxUsn       int64
	MaximumSize  uint64
	AllocationDelta uint64
}

const fsctlQueryUSNJournal = 0x000900f4

// Probe opens a handle to the volume containing root, queries its USN
// journal identity and next-USN cursor, and reads the volume serial number
// plus the directory's modification time.
func Probe(root string) (Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Snapshot{}, err
	}

	// Querying a volume's USN journal requires SeManageVolumePrivilege; best
	// effort, since a caller running unprivileged should still fall back to
	// a full walk rather than failing the run.
	_ = winio.EnableProcessPrivileges([]string{"SeManageVolumePrivilege", winio.SeBackupPrivilege})

	volumePath := filepath.VolumeName(root) + `\`
	volumeHandle, err := openVolumeHandle(volumePath)
	if err != nil {
		return Snapshot{}, err
	}
	defer windows.CloseHandle(volumeHandle)

	var volumeSerial uint32
	var volumeNameBuffer [windows.MAX_PATH]uint16
	if err := windows.GetVolumeInformation(
		windows.StringToUTF16Ptr(volumePath),
		&volumeNameBuffer[0], uint32(len(volumeNameBuffer)),
		&volumeSerial, nil, nil, nil, 0,
	); err != nil {
		return Snapshot{}, err
	}

	var journal usnJournalData
	var bytesReturned uint32
	if err := windows.DeviceIoControl(
		volumeHandle, fsctlQueryUSNJournal, nil, 0,
		(*byte)(unsafe.Pointer(&journal)), uint32(unsafe.Sizeof(journal)),
		&bytesReturned, nil,
	); err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Root:                  root,
		Platform:              PlatformWindows,
		VolumeSerial:          volumeSerial,
		JournalID:             journal.UsnJournalID,
		NextUSN:               journal.NextUsn,
		DirModTimeNanoseconds: info.ModTime().UnixNano(),
	}, nil
}

func openVolumeHandle(volumePath string) (windows.Handle, error) {
	pathPtr, err := windows.UTF16PtrFromString(`\\.\` + volumePath[:2])
	if err != nil {
		return 0, err
	}
	return windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
}
