//go:build !windows

package copyengine

import "os"

// prepareSparseDestination reports whether the destination can materialize
// unwritten regions as holes. POSIX filesystems do this without a per-file
// opt-in, so the capability flag alone gates the zero-run path here.
func prepareSparseDestination(_ *os.File) bool {
	return true
}
