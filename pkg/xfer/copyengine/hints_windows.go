//go:build windows

package copyengine

import "os"

// adviseSequentialRead is a no-op on Windows: FILE_FLAG_SEQUENTIAL_SCAN can
// only be requested at CreateFile time, and the buffered fallback reuses the
// handle os.Open already produced. The bulk-copy path doesn't need the hint
// at all, since CopyFileExW manages its own I/O pattern.
func adviseSequentialRead(_ *os.File) {
}
