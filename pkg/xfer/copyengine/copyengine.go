// Package copyengine implements CopyPrimitives: the single-file copy
// operation used by both the RawBundle/TarShard workers and the LargeFile
// path. It selects among reflink/block-clone, platform bulk-copy, and a
// buffered fallback, in that order, demoting the capability cache when a
// faster path is attempted but fails.
package copyengine

import (
	"context"
	"hash"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/blit-sync/blit/pkg/filesystem"
	"github.com/blit-sync/blit/pkg/stream"
	"github.com/blit-sync/blit/pkg/xfer/capability"
	"github.com/blit-sync/blit/pkg/xfer/checksum"
	"github.com/blit-sync/blit/pkg/xfer/entry"
	"github.com/blit-sync/blit/pkg/xfer/xfererr"
)

const (
	minBufferSize     = 64 << 10
	maxBufferSize     = 16 << 20
	bufferSizeDivisor = 64

	// maxPromotedBufferSize caps aggregator-promoted chunk sizes, which may
	// exceed the ordinary maxBufferSize clamp.
	maxPromotedBufferSize = 64 << 20

	// preemptionCheckInterval is how many buffered writes copyStream allows
	// between checks of the caller's context, balancing cancellation latency
	// against the cost of polling ctx.Done() on every write.
	preemptionCheckInterval = 4
)

// Strategy identifies which copy path was actually used, for reporting.
type Strategy uint8

const (
	StrategyReflink Strategy = iota
	StrategyBulkCopy
	StrategyBuffered
)

func (s Strategy) String() string {
	switch s {
	case StrategyReflink:
		return "reflink"
	case StrategyBulkCopy:
		return "bulk-copy"
	case StrategyBuffered:
		return "buffered-copy"
	default:
		return "unknown"
	}
}

// Options configures a single-file copy.
type Options struct {
	PreserveMetadata bool
	PreserveXattr    bool
	StrictMetadata   bool
	// SkipMetadataAfterReflink skips the mtime/mode restoration pass when
	// the strategy that actually moved the data was a reflink: a
	// block-clone already carries the source file's data (and, on most
	// reflink-capable filesystems, its size) forward, so the caller may
	// consider the extra syscalls redundant. Defaults to false, preserving
	// metadata unconditionally.
	SkipMetadataAfterReflink bool
	// PreserveOwnership applies the source file's uid/gid to the destination
	// after a successful copy, best-effort (a no-op on Windows). Requires
	// sufficient privilege on most POSIX filesystems; failures are folded
	// into the same warning-vs-hard-error handling as mtime/mode.
	PreserveOwnership bool
	// ChunkBytes, when non-zero, raises the streaming buffer size above the
	// file-size-derived default, letting the aggregator promote copy
	// granularity under high cumulative volume. Capped at 64MiB.
	ChunkBytes int64
	// Ownership, if non-nil, forces the given owner/group onto the
	// destination after a successful copy, overriding whatever
	// PreserveOwnership would have carried over. Resolved once per run by
	// the caller so per-file copies don't repeat user database lookups.
	Ownership    *filesystem.OwnershipSpecification
	Capabilities *capability.Cache
	// ComputeContentHash requests that the buffered-copy path hash the
	// destination as it writes, so a caller needing a post-copy digest (e.g.
	// a checksum-mode re-verification) doesn't have to read the file back.
	// Only honored when the buffered fallback actually runs; reflink and
	// bulk-copy strategies never pass bytes through our own writer.
	ComputeContentHash bool
	HashAlgorithm      checksum.Algorithm
	// OnFirstByte, if non-nil, is invoked the first time the buffered-copy
	// path actually writes a byte to the destination, giving the caller a
	// more precise first-byte timestamp than waiting for the whole copy
	// (which may be a multi-gigabyte file) to finish. Not invoked for the
	// reflink or bulk-copy strategies, which don't pass data through our
	// writer at all.
	OnFirstByte func()
}

// Result reports which strategy a copy used and whether metadata
// preservation succeeded.
type Result struct {
	Strategy          Strategy
	MetadataPreserved bool
	MetadataWarning   error
	// ContentHash holds the digest computed during a buffered copy when
	// Options.ComputeContentHash was set. It's nil for reflink and
	// bulk-copy strategies.
	ContentHash []byte
}

// bufferSize computes the streaming buffer size for a file of the given
// size: size/64, clamped to [64KiB, 16MiB].
func bufferSize(size int64) int {
	computed := size / bufferSizeDivisor
	if computed < minBufferSize {
		return minBufferSize
	}
	if computed > maxBufferSize {
		return maxBufferSize
	}
	return int(computed)
}

// CopyFile copies a single regular file from e.SourcePath to
// e.DestinationPath, trying progressively slower strategies until one
// succeeds. The destination path has already been validated by the caller
// via entry.IsPathSafe; CopyFile re-checks defensively since it is the last
// line of defense before touching the filesystem.
func CopyFile(ctx context.Context, e entry.Entry, options Options) (Result, error) {
	if !entry.IsPathSafe(e.RelativePath) {
		return Result{}, xfererr.New(xfererr.KindPathTraversal, e.RelativePath, nil)
	}

	var pair capability.VolumePair
	var caps capability.Capability
	if options.Capabilities != nil {
		pair = capability.VolumePair{Source: e.SourcePath, Destination: e.DestinationPath}
		caps = options.Capabilities.Get(pair)
	}

	var result Result
	reflinked := false

	if caps.ReflinkSameVolume {
		if err := tryReflink(e.SourcePath, e.DestinationPath); err == nil {
			result.Strategy = StrategyReflink
			reflinked = true
		} else if options.Capabilities != nil {
			options.Capabilities.Demote(pair, func(c *capability.Capability) { c.ReflinkSameVolume = false })
		}
	}

	if !reflinked {
		strategy, contentHash, err := copyViaBulkOrBuffered(ctx, e, options, caps.SparseSupported)
		result.Strategy = strategy
		result.ContentHash = contentHash
		if err != nil {
			return result, xfererr.New(xfererr.KindIO, e.RelativePath, err)
		}
	}

	skipMetadata := options.SkipMetadataAfterReflink && result.Strategy == StrategyReflink
	if options.PreserveMetadata && !skipMetadata {
		if err := preserveMetadata(e, options); err != nil {
			result.MetadataWarning = err
			if options.StrictMetadata {
				return result, xfererr.New(xfererr.KindMetadataPreservation, e.RelativePath, err)
			}
		} else {
			result.MetadataPreserved = true
		}
	}

	return result, nil
}

// copyViaBulkOrBuffered attempts the platform bulk-copy path and falls back
// to a buffered stream copy on failure. A successful tryBulkCopy has already
// moved the file's bytes (copy_file_range, CopyFileEx, etc.), so it is
// terminal: copyStream only runs when bulk-copy itself failed, never as a
// second pass over data bulk-copy already wrote.
func copyViaBulkOrBuffered(ctx context.Context, e entry.Entry, options Options, sparseSupported bool) (Strategy, []byte, error) {
	if err := tryBulkCopy(e.SourcePath, e.DestinationPath); err == nil {
		return StrategyBulkCopy, nil, nil
	}
	contentHash, err := copyStream(ctx, e.SourcePath, e.DestinationPath, e.Size, options, sparseSupported)
	if err != nil {
		return StrategyBuffered, nil, err
	}
	return StrategyBuffered, contentHash, nil
}

// copyStream performs a buffered read/write copy using a buffer sized
// relative to the file's size, clamped to [64KiB, 16MiB]. It is the fallback
// of last resort, run only when neither reflink nor bulk-copy succeeded. The
// destination writer is wrapped in a preemptable writer so that ctx
// cancellation actually interrupts a copy in progress instead of running to
// completion regardless, and optionally in a hashed writer so the caller can
// get a content digest for free instead of re-reading the destination.
func copyStream(ctx context.Context, sourcePath, destinationPath string, size int64, options Options, sparseSupported bool) ([]byte, error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open source file")
	}
	defer source.Close()
	adviseSequentialRead(source)

	destination, err := os.OpenFile(destinationPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create destination file")
	}
	defer destination.Close()

	// Large files on a sparse-capable destination take the zero-run detecting
	// path instead, which leaves holes where the source has long spans of
	// zero bytes. It's incompatible with streamed hashing (the zero spans
	// never pass through a writer), so a content-hash request keeps the copy
	// on the plain path.
	bufferLength := bufferSize(size)
	if options.ChunkBytes > int64(bufferLength) {
		bufferLength = int(options.ChunkBytes)
		if bufferLength > maxPromotedBufferSize {
			bufferLength = maxPromotedBufferSize
		}
	}

	if sparseSupported && !options.ComputeContentHash && size >= sparseMinFileSize {
		if prepareSparseDestination(destination) {
			if err := copySparse(ctx, source, destination, bufferLength, options.OnFirstByte); err != nil {
				return nil, err
			}
			return nil, destination.Sync()
		}
	}

	var writer io.Writer = stream.NewPreemptableWriter(destination, ctx.Done(), preemptionCheckInterval)

	var hasher hash.Hash
	if options.ComputeContentHash {
		hasher = checksum.NewHasher(options.HashAlgorithm)
		writer = stream.NewHashedWriter(writer, hasher)
	}

	if options.OnFirstByte != nil {
		fired := false
		writer = stream.NewAuditWriter(writer, func(n uint64) {
			if !fired && n > 0 {
				fired = true
				options.OnFirstByte()
			}
		})
	}

	buffer := make([]byte, bufferLength)
	if _, err := io.CopyBuffer(writer, source, buffer); err != nil {
		if errors.Is(err, stream.ErrWritePreempted) {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "unable to copy file contents")
	}

	if err := destination.Sync(); err != nil {
		return nil, err
	}

	if hasher != nil {
		return hasher.Sum(nil), nil
	}
	return nil, nil
}

// preserveMetadata restores mtime and permission bits on the destination.
// ACL/xattr preservation is handled by platform-specific code.
func preserveMetadata(e entry.Entry, options Options) error {
	modTime := time.Unix(0, e.ModTimeNanoseconds)
	if err := os.Chtimes(e.DestinationPath, modTime, modTime); err != nil {
		return errors.Wrap(err, "unable to set modification time")
	}
	if err := os.Chmod(e.DestinationPath, os.FileMode(e.Mode)); err != nil {
		return errors.Wrap(err, "unable to set permission bits")
	}
	if options.PreserveXattr {
		if err := preservePlatformMetadata(e.SourcePath, e.DestinationPath); err != nil {
			return err
		}
	}
	if options.PreserveOwnership {
		sourceInfo, err := os.Lstat(e.SourcePath)
		if err != nil {
			return errors.Wrap(err, "unable to stat source file for ownership")
		}
		uid, gid, err := filesystem.GetOwnership(sourceInfo)
		if err != nil {
			return errors.Wrap(err, "unable to read source ownership")
		}
		if err := filesystem.SetOwnership(e.DestinationPath, uid, gid); err != nil {
			return errors.Wrap(err, "unable to set destination ownership")
		}
	}
	if options.Ownership != nil {
		if err := filesystem.SetPermissionsByPath(e.DestinationPath, options.Ownership, 0); err != nil {
			return errors.Wrap(err, "unable to apply ownership override")
		}
	}
	return nil
}
