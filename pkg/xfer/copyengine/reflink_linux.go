//go:build linux

package copyengine

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var errShortKernelCopy = errors.New("kernel copy moved less data than requested")

// tryReflink requests a copy-on-write reflink clone of the entire file via
// FICLONE, supported on btrfs, xfs with reflink=1, and some overlayfs
// configurations. On success the destination's logical size is set
// explicitly, so a clone of a file with a trailing hole reports the same
// length the source does.
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

	destination, err := os.OpenFile(destinationPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer destination.Close()

	if err := unix.IoctlFileClone(int(destination.Fd()), int(source.Fd())); err != nil {
		return err
	}
	return destination.Truncate(info.Size())
}

// tryBulkCopy moves the file's bytes in-kernel: copy_file_range first (which
// can use reflinks or filesystem-specific acceleration under the hood), then
// a sendfile loop for filesystems that reject it. Either way the data never
// crosses into userspace.
func tryBulkCopy(sourcePath, destinationPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return err
	}

	destination, err := os.OpenFile(destinationPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer destination.Close()

	remaining := info.Size()
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(source.Fd()), nil, int(destination.Fd()), nil, int(remaining), 0)
		if err != nil {
			if remaining == info.Size() && copyFileRangeUnsupported(err) {
				return sendfileLoop(source, destination, remaining)
			}
			return err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
	}
	if remaining > 0 {
		return errShortKernelCopy
	}
	return nil
}

// copyFileRangeUnsupported reports whether err indicates copy_file_range
// cannot serve this file pair at all (old kernel, cross-device pre-5.3,
// filesystem refusal), as opposed to a mid-copy I/O failure.
func copyFileRangeUnsupported(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.EBADF)
}

// sendfileLoop drains the source into the destination via sendfile, which
// accepts a regular-file destination on every kernel this module supports.
func sendfileLoop(source, destination *os.File, size int64) error {
	const maxSendfileChunk = 1 << 30

	var offset int64
	remaining := size
	for remaining > 0 {
		chunk := remaining
		if chunk > maxSendfileChunk {
			chunk = maxSendfileChunk
		}
		n, err := unix.Sendfile(int(destination.Fd()), int(source.Fd()), &offset, int(chunk))
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
	}
	if remaining > 0 {
		return errShortKernelCopy
	}
	return nil
}

func preservePlatformMetadata(sourcePath, destinationPath string) error {
	size, err := unix.Listxattr(sourcePath, nil)
	if err != nil || size == 0 {
		return nil
	}
	names := make([]byte, size)
	if _, err := unix.Listxattr(sourcePath, names); err != nil {
		return nil
	}
	for _, name := range splitXattrNames(names) {
		valueSize, err := unix.Getxattr(sourcePath, name, nil)
		if err != nil || valueSize == 0 {
			continue
		}
		value := make([]byte, valueSize)
		if _, err := unix.Getxattr(sourcePath, name, value); err != nil {
			continue
		}
		unix.Setxattr(destinationPath, name, value, 0)
	}
	return nil
}

func splitXattrNames(raw []byte) []string {
	var names []string
	start := 0
	for i, b := range raw {
		if b == 0 {
			if i > start {
				names = append(names, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
