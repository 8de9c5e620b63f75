package plan

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/blit-sync/blit/pkg/xfer/checksum"
	"github.com/blit-sync/blit/pkg/xfer/entry"
	"github.com/blit-sync/blit/pkg/xfer/enumerate"
	"github.com/blit-sync/blit/pkg/xfer/journal"
)

// plannerToAggregatorChannelBound is the bound on the channel carrying
// accepted entries (and other events) from the planner downstream. The
// value is a reasonable default, not contractual.
const plannerToAggregatorChannelBound = 256

// mtimeTolerance is the cross-filesystem mtime matching tolerance for the
// skip rule.
const mtimeTolerance = 2 * time.Second

// checksumBatchFlushCount and checksumBatchFlushBytes bound how many
// checksum-mode candidates accumulate before their partial-hash comparisons
// are dispatched as a batch, mirroring the aggregator's own flush-on-
// threshold pattern: a streaming walk can't wait for every entry to decide
// whether parallel hashing is worthwhile, so it buffers a window at a time.
const (
	checksumBatchFlushCount = 256
	checksumBatchFlushBytes = 64 << 20
)

// Options configures a planning run.
type Options struct {
	// Mirror enables destination-only deletion planning.
	Mirror bool
	// Checksum enables the additional partial-then-full content hash
	// comparison required for a skip decision.
	Checksum bool
	// ChecksumAlgorithm selects the hash algorithm used when Checksum is set.
	ChecksumAlgorithm checksum.Algorithm
	// Filter restricts which entries are enumerated on both sides.
	Filter *enumerate.Filter
	// FollowSymlinks controls symlink traversal during enumeration.
	FollowSymlinks bool
	// StateDirectory, if non-empty, enables the fast-path journal probe and
	// checkpoint persistence.
	StateDirectory string
}

// Run plans a transfer from sourceRoot to destinationRoot, emitting events on
// the returned channel. The channel is closed after an EventFinished or
// fatal EventError is sent. The caller should drain it even after requesting
// cancellation via ctx, so the planner's internal goroutine can exit.
func Run(ctx context.Context, sourceRoot, destinationRoot string, options Options) <-chan Event {
	events := make(chan Event, plannerToAggregatorChannelBound)

	go func() {
		defer close(events)
		runPlanner(ctx, sourceRoot, destinationRoot, options, events)
	}()

	return events
}

func runPlanner(ctx context.Context, sourceRoot, destinationRoot string, options Options, events chan<- Event) {
	start := time.Now()

	if options.StateDirectory != "" {
		if noChanges(sourceRoot, destinationRoot, options.StateDirectory, options.Filter) {
			send(ctx, events, Event{Kind: EventFinished, Duration: time.Since(start)})
			return
		}
	}

	destinationEntries := make(map[string]entry.Entry)
	if options.Mirror {
		enumerate.Walk(destinationRoot, sourceRoot, enumerate.Options{
			Filter:         options.Filter,
			FollowSymlinks: options.FollowSymlinks,
		}, func(e entry.Entry) error {
			destinationEntries[e.RelativePath] = e
			return nil
		}, func(string, error) {})
	}

	var files, bytesCount int64
	processed := 0

	var pendingChecksum []entry.Entry
	var pendingChecksumBytes int64

	// flushChecksumCandidates resolves every buffered checksum-mode candidate
	// via a single BatchPartialMatch call. BatchPartialMatch fans a batch out
	// across pkg/parallelism only past its 4096-file or 8 GiB thresholds; a
	// batch is flushed at checksumBatchFlushCount entries or
	// checksumBatchFlushBytes, so it stays under the file threshold and is
	// compared one file at a time unless its entries are large enough to
	// carry the batch past 8 GiB. It returns
	// false if the caller should stop walking (context cancelled mid-flush).
	flushChecksumCandidates := func() bool {
		if len(pendingChecksum) == 0 {
			return true
		}

		candidates := make([]checksum.CandidatePair, len(pendingChecksum))
		for i, e := range pendingChecksum {
			candidates[i] = checksum.CandidatePair{
				SourcePath:      e.SourcePath,
				DestinationPath: e.DestinationPath,
				Size:            e.Size,
			}
		}
		matches, errs := checksum.BatchPartialMatch(candidates, options.ChecksumAlgorithm)

		ok := true
		for i, e := range pendingChecksum {
			if errs[i] == nil && matches[i] {
				files++
				continue
			}
			if !send(ctx, events, Event{Kind: EventEntry, Entry: e}) {
				ok = false
				break
			}
			files++
			bytesCount += e.Size
		}

		pendingChecksum = pendingChecksum[:0]
		pendingChecksumBytes = 0
		return ok
	}

	walkErr := enumerate.Walk(sourceRoot, destinationRoot, enumerate.Options{
		Filter:         options.Filter,
		FollowSymlinks: options.FollowSymlinks,
	}, func(e entry.Entry) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delete(destinationEntries, e.RelativePath)

		switch {
		case e.IsDirectory:
			files++
		case options.Checksum && metadataMatches(e):
			pendingChecksum = append(pendingChecksum, e)
			pendingChecksumBytes += e.Size
			if len(pendingChecksum) >= checksumBatchFlushCount || pendingChecksumBytes >= checksumBatchFlushBytes {
				if !flushChecksumCandidates() {
					return ctx.Err()
				}
			}
		case !options.Checksum && metadataMatches(e):
			files++
		default:
			if !send(ctx, events, Event{Kind: EventEntry, Entry: e}) {
				return ctx.Err()
			}
			files++
			bytesCount += e.Size
		}

		processed++
		if processed%progressInterval == 0 {
			if !send(ctx, events, Event{Kind: EventProgress, Files: files, Bytes: bytesCount}) {
				return ctx.Err()
			}
		}

		return nil
	}, func(relativePath string, err error) {
		send(ctx, events, Event{Kind: EventError, ErrorKind: "io", Context: relativePath, Err: err})
	})

	if walkErr != nil && walkErr != ctx.Err() {
		send(ctx, events, Event{Kind: EventError, ErrorKind: "io", Context: sourceRoot, Err: walkErr})
		return
	}
	if ctx.Err() != nil {
		return
	}
	if !flushChecksumCandidates() {
		return
	}

	if options.Mirror {
		emitDeletions(ctx, events, destinationEntries)
	}

	if options.StateDirectory != "" {
		refreshCheckpoint(sourceRoot, destinationRoot, options.StateDirectory, options.Filter)
	}

	send(ctx, events, Event{Kind: EventFinished, Files: files, Bytes: bytesCount, Duration: time.Since(start)})
}

// send delivers an event, respecting cancellation. It returns false if the
// context was cancelled before the event could be delivered.
func send(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// metadataMatches applies the size/mtime half of the skip rule: destination
// metadata exists, size matches exactly, and mtime matches within tolerance.
// In checksum mode this alone isn't sufficient for a skip decision; the
// caller additionally requires a partial-then-full content hash match,
// resolved via the buffered BatchPartialMatch path in runPlanner.
func metadataMatches(e entry.Entry) bool {
	destinationInfo, err := os.Lstat(e.DestinationPath)
	if err != nil {
		return false
	}
	if destinationInfo.Size() != e.Size {
		return false
	}

	delta := e.ModTimeNanoseconds - destinationInfo.ModTime().UnixNano()
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta) <= mtimeTolerance
}

// emitDeletions emits Deletion events for every remaining destination-only
// entry, in bottom-up path order (deepest paths first) so that a directory
// is removed only after its children.
func emitDeletions(ctx context.Context, events chan<- Event, destinationOnly map[string]entry.Entry) {
	paths := make([]string, 0, len(destinationOnly))
	for path := range destinationOnly {
		paths = append(paths, path)
	}

	sort.Slice(paths, func(i, j int) bool {
		depthI := strings.Count(paths[i], "/")
		depthJ := strings.Count(paths[j], "/")
		if depthI != depthJ {
			return depthI > depthJ
		}
		return paths[i] > paths[j]
	})

	for _, path := range paths {
		if !send(ctx, events, Event{Kind: EventDeletion, DeletionPath: path}) {
			return
		}
	}
}

func noChanges(sourceRoot, destinationRoot, stateDirectory string, filter *enumerate.Filter) bool {
	checkpoint := journal.LoadCheckpoint(stateDirectory)

	sourcePrevious, haveSource := checkpoint.Snapshots[sourceRoot]
	destPrevious, haveDest := checkpoint.Snapshots[destinationRoot]

	sourceCurrent, err := journal.Probe(sourceRoot)
	if err != nil {
		return false
	}
	destCurrent, err := journal.Probe(destinationRoot)
	if err != nil {
		return false
	}

	includes, excludes := filter.Patterns()
	return journal.NoChanges(sourceCurrent, sourcePrevious, destCurrent, destPrevious, haveSource, haveDest, checkpoint, includes, excludes)
}

func refreshCheckpoint(sourceRoot, destinationRoot, stateDirectory string, filter *enumerate.Filter) {
	sourceSnapshot, err := journal.Probe(sourceRoot)
	if err != nil {
		return
	}
	destSnapshot, err := journal.Probe(destinationRoot)
	if err != nil {
		return
	}

	checkpoint := journal.LoadCheckpoint(stateDirectory)
	checkpoint.Snapshots[sourceRoot] = sourceSnapshot
	checkpoint.Snapshots[destinationRoot] = destSnapshot
	checkpoint.FilterIncludes, checkpoint.FilterExcludes = filter.Patterns()
	journal.SaveCheckpoint(stateDirectory, checkpoint, nil)
}
