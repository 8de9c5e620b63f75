//go:build darwin

package copyengine

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequentialRead enables aggressive readahead on the source via
// F_RDAHEAD, Darwin's closest analogue to posix_fadvise's sequential hint.
// Purely advisory; failures are ignored.
func adviseSequentialRead(source *os.File) {
	_, _ = unix.FcntlInt(source.Fd(), unix.F_RDAHEAD, 1)
}
