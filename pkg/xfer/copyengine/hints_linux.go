//go:build linux

package copyengine

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequentialRead hints that the source will be read front to back, so
// the kernel can double its readahead window. Purely advisory; failures are
// ignored.
func adviseSequentialRead(source *os.File) {
	_ = unix.Fadvise(int(source.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}
