package aggregate

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/blit-sync/blit/pkg/xfer/entry"
)

func nanosecondsToTime(nanoseconds int64) time.Time {
	return time.Unix(0, nanoseconds)
}

// WriteTarShard streams a TarShard task as a ustar-style archive to writer,
// with entries named by relative path. Absolute paths, parent components,
// and (implicitly, via entry.IsPathSafe) volume-prefixed paths are rejected
// before any entry is added to the archive.
func WriteTarShard(task Task, writer io.Writer) error {
	if task.Shape != ShapeTarShard {
		return fmt.Errorf("task is not a tar shard")
	}

	archiveWriter := tar.NewWriter(writer)
	defer archiveWriter.Close()

	for _, e := range task.Entries {
		if !entry.IsPathSafe(e.RelativePath) {
			return fmt.Errorf("refusing to add unsafe path to tar shard: %q", e.RelativePath)
		}

		header := &tar.Header{
			Name:    e.RelativePath,
			Size:    e.Size,
			Mode:    int64(e.Mode),
			ModTime: nanosecondsToTime(e.ModTimeNanoseconds),
		}

		if e.IsSymlink {
			header.Typeflag = tar.TypeSymlink
			header.Linkname = e.SymlinkTarget
			header.Size = 0
		} else if e.IsDirectory {
			header.Typeflag = tar.TypeDir
		} else {
			header.Typeflag = tar.TypeReg
		}

		if err := archiveWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("unable to write tar header for %q: %w", e.RelativePath, err)
		}

		if header.Typeflag == tar.TypeReg {
			if err := copyFileIntoArchive(archiveWriter, e.SourcePath, e.Size); err != nil {
				return fmt.Errorf("unable to write tar data for %q: %w", e.RelativePath, err)
			}
		}
	}

	return archiveWriter.Close()
}

func copyFileIntoArchive(writer io.Writer, path string, expectedSize int64) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	copied, err := io.Copy(writer, file)
	if err != nil {
		return err
	}
	if copied != expectedSize {
		return fmt.Errorf("file size changed during archival: expected %d, copied %d", expectedSize, copied)
	}
	return nil
}
