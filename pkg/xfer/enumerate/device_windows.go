//go:build windows

package enumerate

import (
	"os"
)

// deviceInodeKey has no cheap equivalent on Windows without opening a file
// handle to query its file index (os.FileInfo.Sys() only exposes
// Win32FileAttributeData). Symlink cycle detection is therefore best-effort
// on Windows: a pathological cycle will eventually be caught by the
// filesystem's own link-depth limit rather than by this package.
func deviceInodeKey(info os.FileInfo) (visitKey, bool) {
	return visitKey{}, false
}
