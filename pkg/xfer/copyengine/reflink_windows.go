//go:build windows

package copyengine

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"

	aclapi "github.com/hectane/go-acl/api"
)

const (
	fsctlDuplicateExtentsToFile = 0x00098344

	// duplicateExtentsGranularity is the alignment FSCTL_DUPLICATE_EXTENTS_TO_FILE
	// requires for the duplicated byte count. ReFS clusters are 4 KiB or
	// 64 KiB; rounding to 64 KiB satisfies both.
	duplicateExtentsGranularity = 64 << 10

	// Cache-heuristic thresholds for CopyFileExW. Files up to a gigabyte
	// always go through the cache; beyond that, the decision depends on a
	// point-in-time physical memory snapshot.
	alwaysCachedFileSize   = 512 << 20
	cachedFileSizeCeiling  = 1 << 30
	unbufferedHeadroom     = 512 << 20
	unbufferedAbsoluteSize = 2 << 30
)

// duplicateExtentsData mirrors the DUPLICATE_EXTENTS_DATA structure consumed
// by FSCTL_DUPLICATE_EXTENTS_TO_FILE.
type duplicateExtentsData struct {
	FileHandle       windows.Handle
	SourceFileOffset int64
	TargetFileOffset int64
	ByteCount        int64
}

// tryReflink performs a ReFS block clone via FSCTL_DUPLICATE_EXTENTS_TO_FILE.
// The destination is pre-sized to the source's length (the control code only
// remaps extents inside the target's existing allocation), the duplicated
// range is rounded up to cluster granularity, and the logical size is set
// explicitly afterward to trim the rounding slack. NTFS volumes reject the
// control code, which surfaces here as an error and demotes the capability.
func tryReflink(sourcePath, destinationPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	destination, err := os.OpenFile(destinationPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer destination.Close()

	if err := destination.Truncate(size); err != nil {
		return err
	}

	request := duplicateExtentsData{
		FileHandle: windows.Handle(source.Fd()),
		ByteCount:  (size + duplicateExtentsGranularity - 1) &^ (duplicateExtentsGranularity - 1),
	}
	var bytesReturned uint32
	if err := windows.DeviceIoControl(
		windows.Handle(destination.Fd()), fsctlDuplicateExtentsToFile,
		(*byte)(unsafe.Pointer(&request)), uint32(unsafe.Sizeof(request)),
		nil, 0, &bytesReturned, nil); err != nil {
		return err
	}

	return destination.Truncate(size)
}

var (
	kernel32DLL              = windows.NewLazySystemDLL("kernel32.dll")
	procGlobalMemoryStatusEx = kernel32DLL.NewProc("GlobalMemoryStatusEx")
	procCopyFileExW          = kernel32DLL.NewProc("CopyFileExW")
)

// copyFileNoBuffering is the COPY_FILE_NO_BUFFERING flag for CopyFileExW.
const copyFileNoBuffering = 0x00001000

// memoryStatusEx mirrors the MEMORYSTATUSEX structure consumed by
// GlobalMemoryStatusEx.
type memoryStatusEx struct {
	Length               uint32
	MemoryLoad           uint32
	TotalPhys            uint64
	AvailPhys            uint64
	TotalPageFile        uint64
	AvailPageFile        uint64
	TotalVirtual         uint64
	AvailVirtual         uint64
	AvailExtendedVirtual uint64
}

// memorySnapshot reads available and total physical memory. The syscall is
// cheap enough to issue per file.
func memorySnapshot() (available, total uint64, ok bool) {
	var status memoryStatusEx
	status.Length = uint32(unsafe.Sizeof(status))
	result, _, _ := procGlobalMemoryStatusEx.Call(uintptr(unsafe.Pointer(&status)))
	if result == 0 {
		return 0, 0, false
	}
	return status.AvailPhys, status.TotalPhys, true
}

// useUnbufferedCopy decides between cached and unbuffered I/O for
// CopyFileExW. Files under a gigabyte always use the cache. Beyond that, a
// file that wouldn't fit in available physical memory with half a gigabyte
// of headroom — or that exceeds the smaller of 2 GiB and half of total
// physical memory — bypasses the cache so the copy doesn't evict the rest of
// the working set.
func useUnbufferedCopy(size int64) bool {
	if size <= alwaysCachedFileSize {
		return false
	}
	if size < cachedFileSizeCeiling {
		return false
	}

	available, total, ok := memorySnapshot()
	if !ok {
		return false
	}
	if uint64(size)+unbufferedHeadroom > available {
		return true
	}
	threshold := total / 2
	if threshold > unbufferedAbsoluteSize {
		threshold = unbufferedAbsoluteSize
	}
	return uint64(size) >= threshold
}

func tryBulkCopy(sourcePath, destinationPath string) error {
	sourcePtr, err := windows.UTF16PtrFromString(sourcePath)
	if err != nil {
		return err
	}
	destinationPtr, err := windows.UTF16PtrFromString(destinationPath)
	if err != nil {
		return err
	}

	var flags uint32
	if info, statErr := os.Stat(sourcePath); statErr == nil && useUnbufferedCopy(info.Size()) {
		flags |= copyFileNoBuffering
	}

	result, _, callErr := procCopyFileExW.Call(
		uintptr(unsafe.Pointer(sourcePtr)),
		uintptr(unsafe.Pointer(destinationPtr)),
		0, 0, 0,
		uintptr(flags),
	)
	if result == 0 {
		return callErr
	}
	return nil
}

// preservePlatformMetadata carries the source file's DACL over to the
// destination. CopyFileExW already copies the DACL on most configurations,
// but the reflink and buffered paths don't, so the pass runs for every
// strategy when extended-attribute preservation is requested.
func preservePlatformMetadata(sourcePath, destinationPath string) error {
	var owner, group *windows.SID
	var dacl, sacl, descriptor windows.Handle
	if err := aclapi.GetNamedSecurityInfo(
		sourcePath,
		aclapi.SE_FILE_OBJECT,
		aclapi.DACL_SECURITY_INFORMATION,
		&owner, &group, &dacl, &sacl, &descriptor,
	); err != nil {
		return err
	}
	defer windows.LocalFree(descriptor)

	return aclapi.SetNamedSecurityInfo(
		destinationPath,
		aclapi.SE_FILE_OBJECT,
		aclapi.DACL_SECURITY_INFORMATION,
		nil, nil, dacl, 0,
	)
}
