// Package transfer wires the Enumerator, StreamingPlanner, TaskAggregator,
// Scheduler/WorkerPool, CopyPrimitives, Predictor, and CapabilityCache into
// the three public operations a caller (CLI, daemon, remote client) invokes:
// Mirror, Copy, and Move.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/blit-sync/blit/pkg/filesystem"
	"github.com/blit-sync/blit/pkg/housekeeping"
	"github.com/blit-sync/blit/pkg/identifier"
	"github.com/blit-sync/blit/pkg/logging"
	"github.com/blit-sync/blit/pkg/xfer/aggregate"
	"github.com/blit-sync/blit/pkg/xfer/capability"
	"github.com/blit-sync/blit/pkg/xfer/checksum"
	"github.com/blit-sync/blit/pkg/xfer/enumerate"
	"github.com/blit-sync/blit/pkg/xfer/plan"
	"github.com/blit-sync/blit/pkg/xfer/predict"
	"github.com/blit-sync/blit/pkg/xfer/schedule"
	"github.com/blit-sync/blit/pkg/xfer/xfererr"
)

// Options configures a transfer run. A zero Options is a
// reasonable, conservative default (no checksum, no symlink traversal, perf
// history and persisted state disabled).
type Options struct {
	// DryRun causes the planner to run normally but the worker pool to take
	// no action: no bytes are copied, no destination paths are created or
	// removed.
	DryRun bool
	// ForceChecksum enables the partial-then-full content hash skip
	// decision instead of relying on size+mtime alone.
	ForceChecksum bool
	// ChecksumAlgorithm selects BLAKE3 (default, zero value) or MD5 (only
	// honored when explicitly requested; a warning is logged).
	ChecksumAlgorithm checksum.Algorithm
	// FollowSymlinks causes the enumerator to traverse symbolic links
	// (with cycle detection) rather than recording them as link entries.
	FollowSymlinks bool
	// PreserveXattr enables extended-attribute/ACL preservation where the
	// capability cache reports it's available.
	PreserveXattr bool
	// PreserveOwnership applies the source file's uid/gid to the
	// destination after a successful copy (a no-op on Windows). Off by
	// default since it typically requires elevated privilege to succeed for
	// files not already owned by the running user.
	PreserveOwnership bool
	// DefaultOwner and DefaultGroup, if non-empty, force the given owner
	// and/or group onto every copied file, overriding whatever ownership the
	// destination would otherwise end up with. Accepts a name, a POSIX ID
	// ("id:1000"), or (on Windows) a SID; resolved once per run.
	DefaultOwner string
	DefaultGroup string
	// WorkerCap, if non-zero, overrides the scheduler's worker-count
	// ceiling. Intended for diagnostics; callers that expose it on a CLI
	// should surface a debug banner.
	WorkerCap int
	// PerfHistory enables reads from and writes to the local performance
	// history used by the predictor. Ignored if StateDirectory is empty.
	PerfHistory bool
	// StrictMetadata promotes metadata-preservation failures from warnings
	// to hard per-entry errors.
	StrictMetadata bool
	// SkipMetadataAfterClone skips mtime/mode restoration for entries that
	// were copied via reflink, since the clone already shares the source's
	// data (and, on most reflink-capable filesystems, attributes). Defaults
	// to false: metadata is preserved even after a successful reflink.
	SkipMetadataAfterClone bool
	// ForceRaw disables tar-shard aggregation, forcing every small file
	// through the raw-bundle path (diagnostic).
	ForceRaw bool
	// Includes and Excludes are glob patterns compiled once into a Filter.
	Includes []string
	Excludes []string
	// StateDirectory is the caller-supplied directory backing persisted
	// predictor/capability/journal state. An empty value disables all of
	// it: reads return empty/zero, writes are silently dropped.
	StateDirectory string
	// Logger receives progress and warning output. A nil Logger silently
	// discards everything, so callers never need to construct one.
	Logger *logging.Logger
}

// ErrorRecord is the concrete shape backing a run's capped error buffer.
type ErrorRecord struct {
	Kind    xfererr.Kind
	Path    string
	Message string
}

// TransferReport summarizes a completed (or aborted) run.
type TransferReport struct {
	RunID             string
	FilesTransferred  int64
	BytesTransferred  int64
	Deletions         int64
	Duration          time.Duration
	WorkerPeak        int
	StrategyCounts    map[string]int64
	FirstByteLatency  time.Duration
	Errors            []ErrorRecord
	// Fatal holds the run-aborting error, if any (Stall, Cancelled,
	// PathTraversal, DestinationFull). A nil Fatal with a non-empty Errors
	// slice indicates a partial success.
	Fatal error
	// ExitCode is 0 on success, 1 on partial failure, 2 on fatal.
	ExitCode int
}

// String renders a human-readable one-line summary.
func (r *TransferReport) String() string {
	if r == nil {
		return "no report"
	}
	status := "ok"
	if r.Fatal != nil {
		status = fmt.Sprintf("fatal: %v", r.Fatal)
	} else if len(r.Errors) > 0 {
		status = fmt.Sprintf("%d errors", len(r.Errors))
	}
	return fmt.Sprintf(
		"%s: %d files, %s transferred, %d deletions in %s (%s)",
		r.RunID,
		r.FilesTransferred,
		humanize.Bytes(uint64(r.BytesTransferred)),
		r.Deletions,
		r.Duration.Round(time.Millisecond),
		status,
	)
}

// Mirror copies source onto destination and removes destination-only
// entries to achieve exact parity.
func Mirror(ctx context.Context, source, destination string, options Options) (*TransferReport, error) {
	return run(ctx, source, destination, true, false, options)
}

// Copy copies source onto destination, skipping unchanged entries. No
// deletions are performed.
func Copy(ctx context.Context, source, destination string, options Options) (*TransferReport, error) {
	return run(ctx, source, destination, false, false, options)
}

// Move mirrors source onto destination and then removes the source entries
// that were verified to exist, unchanged, at the destination.
func Move(ctx context.Context, source, destination string, options Options) (*TransferReport, error) {
	return run(ctx, source, destination, true, true, options)
}

func run(ctx context.Context, source, destination string, mirror, move bool, options Options) (*TransferReport, error) {
	start := time.Now()
	logger := options.Logger

	// Caller-supplied roots may be relative or tilde-prefixed; everything
	// downstream assumes absolute paths.
	source, err := filesystem.Normalize(source)
	if err != nil {
		return nil, fmt.Errorf("unable to normalize source path: %w", err)
	}
	destination, err = filesystem.Normalize(destination)
	if err != nil {
		return nil, fmt.Errorf("unable to normalize destination path: %w", err)
	}

	runID, err := identifier.New(identifier.PrefixTransfer)
	if err != nil {
		return nil, fmt.Errorf("unable to mint transfer run identifier: %w", err)
	}

	filter, err := enumerate.NewFilter(options.Includes, options.Excludes)
	if err != nil {
		return nil, fmt.Errorf("unable to compile filters: %w", err)
	}

	if options.ForceChecksum && options.ChecksumAlgorithm == checksum.AlgorithmMD5 {
		logger.Warnf("MD5 checksum comparison requested; BLAKE3 is recommended for collision resistance")
	}

	perfDirectory := options.StateDirectory
	if !options.PerfHistory {
		perfDirectory = ""
	}
	predictorState := predict.Load(perfDirectory)

	capabilities := capability.New(defaultProbe())
	capabilities.Load(options.StateDirectory)

	state := newRunState()

	profile := filesystemProfile(source)
	signature := predict.WorkloadSignature{FilesystemProfile: profile}

	if !mirror {
		if report, ok := attemptFastPath(ctx, source, destination, options, predictorState, signature, capabilities, runID, start, perfDirectory); ok {
			finalizePersistence(options.StateDirectory, perfDirectory, predictorState, capabilities, logger)
			return report, report.Fatal
		}
	}

	plannerOptions := plan.Options{
		Mirror:            mirror,
		Checksum:          options.ForceChecksum,
		ChecksumAlgorithm: options.ChecksumAlgorithm,
		Filter:            filter,
		FollowSymlinks:    options.FollowSymlinks,
		StateDirectory:    options.StateDirectory,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !options.DryRun {
		if err := createDirectorySkeleton(source, destination, filter, options.FollowSymlinks); err != nil {
			logger.Warnf("unable to pre-create destination directories: %v", err)
		}
	}

	plannerEvents := plan.Run(runCtx, source, destination, plannerOptions)

	tasks := make(chan aggregate.Task, aggregatorToSchedulerBound)

	pair := capability.VolumePair{Source: source, Destination: destination}
	reflinkSameVolume := capabilities.Get(pair).ReflinkSameVolume

	aggregator := aggregate.New(aggregate.Options{
		ReflinkSameVolume: reflinkSameVolume,
		ForceRaw:          options.ForceRaw,
	}, func(task aggregate.Task) {
		select {
		case tasks <- task:
		case <-runCtx.Done():
		}
	})

	plannerDone := make(chan plannerSummary, 1)
	go consumePlannerEvents(plannerEvents, aggregator, tasks, state, plannerDone)

	ownership, err := resolveOwnership(options)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve default ownership: %w", err)
	}

	executor := newExecutor(options, ownership, capabilities, state)
	schedulerEvents := schedule.Run(runCtx, tasks, schedule.Options{WorkerCap: options.WorkerCap, Executor: executor})

	var workerFiles, workerBytes int64
	var fatalErr error
	for event := range schedulerEvents {
		switch event.Kind {
		case schedule.EventProgress:
			if event.WorkerCount > state.workerPeak {
				state.workerPeak = event.WorkerCount
			}
		case schedule.EventTaskError:
			state.recordError(event.Err)
		case schedule.EventFatal:
			fatalErr = event.Err
			cancel()
		case schedule.EventFinished:
			workerFiles, workerBytes = event.Files, event.Bytes
		}
	}

	summary := <-plannerDone
	if fatalErr == nil && ctx.Err() != nil {
		// The scheduler can race a caller's cancellation against its own
		// clean shutdown; the report should carry the cancellation identity
		// either way.
		fatalErr = xfererr.New(xfererr.KindCancelled, "", ctx.Err())
	}
	if fatalErr == nil && summary.FatalErr != nil {
		fatalErr = summary.FatalErr
	}

	var deletions int64
	if mirror && !options.DryRun && fatalErr == nil {
		deletions = applyDeletions(runCtx, summary.Deletions, destination, logger)
	} else if mirror {
		deletions = int64(len(summary.Deletions))
	}

	if move && fatalErr == nil && len(state.errors) == 0 {
		if moved, err := moveCleanup(runCtx, source, destination, filter, options.FollowSymlinks); err != nil {
			logger.Warnf("move cleanup incomplete: %v", err)
		} else {
			logger.Debugf("removed %d verified source entries", moved)
		}
	}

	duration := time.Since(start)

	record := predict.PerfRecord{
		Signature:  summary.signatureOrFallback(workerFiles, workerBytes, profile),
		PlanningMS: float64(summary.Duration.Milliseconds()),
		CopyMS:     float64(duration.Milliseconds()),
		Strategy:   dominantStrategy(state.strategyCounts),
		StallCount: state.stallCount(fatalErr),
	}
	predictorState.Observe(record.Signature, record.PlanningMS)
	predict.AppendRecord(perfDirectory, record)
	finalizePersistence(options.StateDirectory, perfDirectory, predictorState, capabilities, logger)

	report := &TransferReport{
		RunID:            runID,
		FilesTransferred: workerFiles,
		BytesTransferred: workerBytes,
		Deletions:        deletions,
		Duration:         duration,
		WorkerPeak:       state.workerPeak,
		StrategyCounts:   state.strategyCounts,
		FirstByteLatency: state.firstByteLatency,
		Errors:           state.errors,
		Fatal:            fatalErr,
	}
	report.ExitCode = xfererr.ExitCode(fatalErr, len(report.Errors))

	return report, report.Fatal
}

// aggregatorToSchedulerBound bounds the task queue between the aggregator
// and the scheduler.
const aggregatorToSchedulerBound = 64

// filesystemProfile tags a root with a coarse profile string used to key
// the predictor's per-filesystem coefficients.
func filesystemProfile(root string) string {
	format, err := filesystem.QueryFormatByPath(root)
	if err != nil {
		return "local"
	}
	if format == filesystem.FormatNFS {
		return "network"
	}
	return "local"
}

func dominantStrategy(counts map[string]int64) string {
	best := ""
	var bestCount int64
	for name, count := range counts {
		if count > bestCount {
			best, bestCount = name, count
		}
	}
	return best
}

func finalizePersistence(stateDirectory, perfDirectory string, predictorState *predict.State, capabilities *capability.Cache, logger *logging.Logger) {
	if err := predictorState.Save(perfDirectory, logger); err != nil {
		logger.Warnf("unable to persist predictor state: %v", err)
	}
	if err := capabilities.Save(stateDirectory, logger); err != nil {
		logger.Warnf("unable to persist capability cache: %v", err)
	}
	housekeeping.Housekeep(stateDirectory, logger)
}
