package transfer

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/blit-sync/blit/pkg/filesystem"
	"github.com/blit-sync/blit/pkg/xfer/aggregate"
	"github.com/blit-sync/blit/pkg/xfer/capability"
	"github.com/blit-sync/blit/pkg/xfer/copyengine"
	"github.com/blit-sync/blit/pkg/xfer/entry"
	"github.com/blit-sync/blit/pkg/xfer/schedule"
	"github.com/blit-sync/blit/pkg/xfer/xfererr"
)

// resolveOwnership parses the run's default-ownership override once, so the
// per-file copy path doesn't repeat user/group database lookups.
func resolveOwnership(options Options) (*filesystem.OwnershipSpecification, error) {
	if options.DefaultOwner == "" && options.DefaultGroup == "" {
		return nil, nil
	}
	return filesystem.NewOwnershipSpecification(options.DefaultOwner, options.DefaultGroup)
}

// newExecutor builds the schedule.Executor that turns each aggregate.Task
// into filesystem operations. It's the piece of the pipeline the planner
// and aggregator never needed: creating destination directories (the
// planner only ever forwards non-directory entries) and draining a
// TarShard's archive back out onto disk.
func newExecutor(options Options, ownership *filesystem.OwnershipSpecification, capabilities *capability.Cache, state *runState) schedule.Executor {
	return func(ctx context.Context, task aggregate.Task) (int64, int64, error) {
		switch task.Shape {
		case aggregate.ShapeLargeFile:
			return executeEntries(ctx, task, options, ownership, capabilities, state)
		case aggregate.ShapeRawBundle:
			return executeEntries(ctx, task, options, ownership, capabilities, state)
		case aggregate.ShapeTarShard:
			return executeTarShard(ctx, task, options, ownership, state)
		default:
			return 0, 0, fmt.Errorf("unrecognized task shape %d", task.Shape)
		}
	}
}

// executeEntries copies every entry in a RawBundle or single-entry
// LargeFile task sequentially, stopping at the first error so the caller
// can report accurate partial-progress counts.
func executeEntries(ctx context.Context, task aggregate.Task, options Options, ownership *filesystem.OwnershipSpecification, capabilities *capability.Cache, state *runState) (int64, int64, error) {
	var files, bytesCopied int64
	for _, e := range task.Entries {
		if err := ctx.Err(); err != nil {
			return files, bytesCopied, err
		}

		f, b, err := executeSingleChunked(ctx, e, options, ownership, task.ChunkBytes, capabilities, state)
		files += f
		bytesCopied += b
		if err != nil {
			return files, bytesCopied, err
		}
	}
	return files, bytesCopied, nil
}

func executeSingle(ctx context.Context, e entry.Entry, options Options, ownership *filesystem.OwnershipSpecification, capabilities *capability.Cache, state *runState) (int64, int64, error) {
	return executeSingleChunked(ctx, e, options, ownership, 0, capabilities, state)
}

func executeSingleChunked(ctx context.Context, e entry.Entry, options Options, ownership *filesystem.OwnershipSpecification, chunkBytes int64, capabilities *capability.Cache, state *runState) (int64, int64, error) {
	if !entry.IsPathSafe(e.RelativePath) {
		return 0, 0, xfererr.New(xfererr.KindPathTraversal, e.RelativePath, nil)
	}

	if options.DryRun {
		if e.IsSymlink {
			return 1, 0, nil
		}
		return 1, e.Size, nil
	}

	if err := os.MkdirAll(filepath.Dir(e.DestinationPath), 0755); err != nil {
		return 0, 0, xfererr.New(xfererr.KindIO, e.RelativePath, err)
	}

	if e.IsSymlink {
		_ = os.Remove(e.DestinationPath)
		if err := os.Symlink(e.SymlinkTarget, e.DestinationPath); err != nil {
			return 0, 0, xfererr.New(xfererr.KindIO, e.RelativePath, err)
		}
		state.recordStrategy("direct-copy")
		state.recordFirstByte()
		return 1, 0, nil
	}

	result, err := copyengine.CopyFile(ctx, e, copyengine.Options{
		PreserveMetadata:         true,
		PreserveXattr:            options.PreserveXattr,
		StrictMetadata:           options.StrictMetadata,
		SkipMetadataAfterReflink: options.SkipMetadataAfterClone,
		PreserveOwnership:        options.PreserveOwnership,
		Ownership:                ownership,
		ChunkBytes:               chunkBytes,
		Capabilities:             capabilities,
		OnFirstByte:              state.recordFirstByte,
	})
	if err != nil {
		return 0, 0, err
	}

	state.recordStrategy(result.Strategy.String())
	state.recordFirstByte()
	if result.MetadataWarning != nil {
		state.recordError(xfererr.New(xfererr.KindMetadataPreservation, e.RelativePath, result.MetadataWarning))
	}

	return 1, e.Size, nil
}

// executeTarShard drains a TarShard task by re-streaming the same archive
// aggregate.WriteTarShard would send over the wire, through an in-process
// pipe, and extracting it entry by entry. The tar reader's entries arrive
// in exactly the order WriteTarShard wrote them (task.Entries order), so
// they're paired up by position rather than by re-deriving a destination
// path from the header name.
func executeTarShard(ctx context.Context, task aggregate.Task, options Options, ownership *filesystem.OwnershipSpecification, state *runState) (int64, int64, error) {
	if options.DryRun {
		return int64(len(task.Entries)), task.TotalBytes, nil
	}

	reader, writer := io.Pipe()
	writeErr := make(chan error, 1)
	go func() {
		err := aggregate.WriteTarShard(task, writer)
		writeErr <- err
		writer.CloseWithError(err)
	}()

	archiveReader := tar.NewReader(reader)

	var files, bytesCopied int64
	for index := 0; index < len(task.Entries); index++ {
		if err := ctx.Err(); err != nil {
			reader.CloseWithError(err)
			<-writeErr
			return files, bytesCopied, err
		}

		header, err := archiveReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			reader.CloseWithError(err)
			<-writeErr
			return files, bytesCopied, xfererr.New(xfererr.KindIO, "", err)
		}

		e := task.Entries[index]
		if !entry.IsPathSafe(e.RelativePath) {
			reader.CloseWithError(fmt.Errorf("unsafe path"))
			<-writeErr
			return files, bytesCopied, xfererr.New(xfererr.KindPathTraversal, e.RelativePath, nil)
		}

		if err := os.MkdirAll(filepath.Dir(e.DestinationPath), 0755); err != nil {
			reader.CloseWithError(err)
			<-writeErr
			return files, bytesCopied, xfererr.New(xfererr.KindIO, e.RelativePath, err)
		}

		switch header.Typeflag {
		case tar.TypeSymlink:
			_ = os.Remove(e.DestinationPath)
			if err := os.Symlink(header.Linkname, e.DestinationPath); err != nil {
				return files, bytesCopied, xfererr.New(xfererr.KindIO, e.RelativePath, err)
			}
			files++
			state.recordStrategy("tar-shard")
		case tar.TypeDir:
			// The aggregator never routes directories into a tar shard
			// today, but honor the archive format fully in case that
			// changes.
			continue
		default:
			n, err := extractTarRegularFile(archiveReader, header, e)
			if err != nil {
				return files, bytesCopied, err
			}
			if ownership != nil {
				if err := filesystem.SetPermissionsByPath(e.DestinationPath, ownership, 0); err != nil {
					if options.StrictMetadata {
						return files, bytesCopied, xfererr.New(xfererr.KindMetadataPreservation, e.RelativePath, err)
					}
					state.recordError(xfererr.New(xfererr.KindMetadataPreservation, e.RelativePath, err))
				}
			}
			files++
			bytesCopied += n
			state.recordStrategy("tar-shard")
			state.recordFirstByte()
		}
	}

	if err := <-writeErr; err != nil {
		return files, bytesCopied, xfererr.New(xfererr.KindIO, "", err)
	}

	return files, bytesCopied, nil
}

func extractTarRegularFile(reader *tar.Reader, header *tar.Header, e entry.Entry) (int64, error) {
	destination, err := os.OpenFile(e.DestinationPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(e.Mode))
	if err != nil {
		return 0, xfererr.New(xfererr.KindIO, e.RelativePath, err)
	}
	defer destination.Close()

	n, err := io.Copy(destination, reader)
	if err != nil {
		return n, xfererr.New(xfererr.KindIO, e.RelativePath, err)
	}

	modTime := header.ModTime
	if modTime.IsZero() {
		modTime = time.Unix(0, e.ModTimeNanoseconds)
	}
	_ = os.Chtimes(e.DestinationPath, modTime, modTime)

	return n, nil
}
