//go:build darwin

package copyengine

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryReflink requests an APFS copy-on-write clone via clonefileat. It fails
// immediately (and cheaply) on non-APFS volumes or across volume boundaries,
// which is exactly the condition the capability cache exists to avoid
// repeating.
func tryReflink(sourcePath, destinationPath string) error {
	if err := os.Remove(destinationPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return unix.Clonefileat(unix.AT_FDCWD, sourcePath, unix.AT_FDCWD, destinationPath, 0)
}

// tryBulkCopy has no cheaper bulk primitive than the buffered path on
// Darwin once a clone isn't possible, so it always reports failure and lets
// the caller fall through to copyStream.
func tryBulkCopy(sourcePath, destinationPath string) error {
	return errNoBulkCopy
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
