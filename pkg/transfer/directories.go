package transfer

import (
	"os"

	"github.com/blit-sync/blit/pkg/xfer/entry"
	"github.com/blit-sync/blit/pkg/xfer/enumerate"
)

// createDirectorySkeleton pre-creates every directory source contains at its
// corresponding destination path, including ones with no files in them. The
// planner only ever forwards non-directory entries downstream (directories
// exist solely to be recursed into), so without this pass an empty source
// directory would never materialize at the destination: nothing in the
// rest of the pipeline ever calls mkdir for a path that has no file
// underneath it.
func createDirectorySkeleton(source, destination string, filter *enumerate.Filter, followSymlinks bool) error {
	return enumerate.Walk(source, destination, enumerate.Options{Filter: filter, FollowSymlinks: followSymlinks}, func(e entry.Entry) error {
		if !e.IsDirectory {
			return nil
		}
		mode := os.FileMode(e.Mode)
		if mode == 0 {
			mode = 0755
		}
		return os.MkdirAll(e.DestinationPath, mode)
	}, func(string, error) {})
}
