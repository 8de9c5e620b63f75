package transfer

import (
	"errors"

	"github.com/blit-sync/blit/pkg/xfer/aggregate"
	"github.com/blit-sync/blit/pkg/xfer/plan"
)

// consumePlannerEvents drains the planner's event stream, feeding accepted
// entries into the aggregator and collecting deletions, errors, and the
// final file/byte counts. It closes tasks once the planner has finished (or
// failed), which is what lets the scheduler reading from tasks converge.
//
// The planner's event stream doesn't tag an EventError as fatal versus
// per-entry: a failure to open the transfer root itself is distinguished
// only by the fact that it's followed by channel closure without an
// EventFinished ever arriving (see plan.Run's walkErr handling), so that's
// what this loop keys on too.
func consumePlannerEvents(events <-chan plan.Event, aggregator *aggregate.Aggregator, tasks chan aggregate.Task, state *runState, done chan<- plannerSummary) {
	defer close(tasks)

	var summary plannerSummary
	var finished bool
	var lastErr error
	for event := range events {
		switch event.Kind {
		case plan.EventEntry:
			aggregator.Accept(event.Entry)
		case plan.EventDeletion:
			summary.Deletions = append(summary.Deletions, event.DeletionPath)
		case plan.EventProgress:
			// Planner-side progress isn't separately surfaced today; the
			// scheduler's own EventProgress carries the figures a caller
			// watching a live run actually wants (in-flight worker count).
		case plan.EventFinished:
			aggregator.Finish()
			finished = true
			summary.Files = event.Files
			summary.Bytes = event.Bytes
			summary.Duration = event.Duration
		case plan.EventError:
			lastErr = event.Err
			state.recordError(event.Err)
		}
	}

	if !finished {
		aggregator.Finish()
		if lastErr != nil {
			summary.FatalErr = lastErr
		} else {
			summary.FatalErr = errors.New("planner terminated without completing")
		}
	}

	done <- summary
}
