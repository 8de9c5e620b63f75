package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/blit-sync/blit/pkg/xfer/capability"
	"github.com/blit-sync/blit/pkg/xfer/entry"
	"github.com/blit-sync/blit/pkg/xfer/enumerate"
	"github.com/blit-sync/blit/pkg/xfer/predict"
	"github.com/blit-sync/blit/pkg/xfer/xfererr"
)

// fastPathFileLimit and fastPathByteLimit bound the files/bytes a quick scan will tolerate before
// giving up on the tiny fast path, matching the thresholds
// predict.TinyFastPathPreconditions enforces anyway. Aborting the walk
// itself at this point means a large tree never pays for a full
// enumeration just to discover it doesn't qualify.
const (
	fastPathFileLimit = 8
	fastPathByteLimit = 100 << 20
)

var errFastPathExceeded = errors.New("workload exceeds tiny fast path thresholds")

// attemptFastPath tries the tiny fast path: a bounded scan of source that
// aborts as soon as the workload outgrows the preconditions, followed (if
// it stayed within them) by direct CopyPrimitives calls that bypass the
// planner, aggregator, and scheduler entirely. It's only invoked for Copy,
// never Mirror, since the "no deletions" precondition would otherwise
// require a destination scan that defeats the point of a fast path.
func attemptFastPath(
	ctx context.Context,
	source, destination string,
	options Options,
	predictorState *predict.State,
	signature predict.WorkloadSignature,
	capabilities *capability.Cache,
	runID string,
	start time.Time,
	perfDirectory string,
) (*TransferReport, bool) {
	entries, ok := quickScan(source, destination, options)
	if !ok {
		return nil, false
	}

	signature.FileCount = int64(len(entries))
	for _, e := range entries {
		signature.TotalBytes += e.Size
	}
	if signature.FileCount > 0 {
		signature.AverageSize = signature.TotalBytes / signature.FileCount
	}

	estimatedMS := predictorState.Predict(signature)
	if !predict.TinyFastPathPreconditions(signature, estimatedMS, false, options.ForceChecksum) {
		return nil, false
	}

	ownership, err := resolveOwnership(options)
	if err != nil {
		return nil, false
	}

	state := newRunState()
	var bytesCopied int64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			break
		}
		_, b, err := executeSingle(ctx, e, options, ownership, capabilities, state)
		if err != nil {
			state.recordError(err)
			continue
		}
		bytesCopied += b
	}

	actualMS := float64(time.Since(start).Milliseconds())
	predictorState.Observe(signature, actualMS)
	predict.AppendRecord(perfDirectory, predict.PerfRecord{Signature: signature, PlanningMS: actualMS, CopyMS: actualMS, Strategy: "direct-copy"})

	report := &TransferReport{
		RunID:            runID,
		FilesTransferred: signature.FileCount,
		BytesTransferred: bytesCopied,
		Duration:         time.Since(start),
		// The bypass is its own strategy from the caller's perspective,
		// regardless of which primitive each individual copy bottomed out in.
		StrategyCounts:   map[string]int64{"direct-copy": signature.FileCount},
		FirstByteLatency: state.firstByteLatency,
		Errors:           state.errors,
	}
	report.ExitCode = xfererr.ExitCode(nil, len(report.Errors))

	return report, true
}

// quickScan walks source, returning its entries unless the workload grows
// past the tiny-fast-path thresholds first, in which case it aborts the
// walk early and reports ok=false so the caller falls through to the full
// pipeline instead of paying for a complete enumeration.
func quickScan(source, destination string, options Options) ([]entry.Entry, bool) {
	var entries []entry.Entry
	var files int
	var bytesTotal int64

	walkOptions := enumerate.Options{FollowSymlinks: options.FollowSymlinks}
	if len(options.Includes) > 0 || len(options.Excludes) > 0 {
		filter, err := enumerate.NewFilter(options.Includes, options.Excludes)
		if err != nil {
			return nil, false
		}
		walkOptions.Filter = filter
	}

	err := enumerate.Walk(source, destination, walkOptions, func(e entry.Entry) error {
		if e.IsDirectory {
			return nil
		}
		files++
		bytesTotal += e.Size
		if files > fastPathFileLimit || bytesTotal > fastPathByteLimit {
			return errFastPathExceeded
		}
		entries = append(entries, e)
		return nil
	}, func(string, error) {})

	if err != nil {
		return nil, false
	}

	return entries, true
}
