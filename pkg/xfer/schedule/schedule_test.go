package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blit-sync/blit/pkg/xfer/aggregate"
	"github.com/blit-sync/blit/pkg/xfer/entry"
	"github.com/blit-sync/blit/pkg/xfer/xfererr"
)

func drainSchedule(events <-chan Event) []Event {
	var result []Event
	for event := range events {
		result = append(result, event)
	}
	return result
}

// TestRunProcessesAllTasks tests that every submitted task is executed and a
// Finished event carries the aggregated totals.
func TestRunProcessesAllTasks(t *testing.T) {
	tasks := make(chan aggregate.Task, 10)
	for i := 0; i < 10; i++ {
		tasks <- aggregate.Task{TotalBytes: 100}
	}
	close(tasks)

	var executed int64
	executor := func(ctx context.Context, task aggregate.Task) (int64, int64, error) {
		atomic.AddInt64(&executed, 1)
		return 1, task.TotalBytes, nil
	}

	events := drainSchedule(Run(context.Background(), tasks, Options{Executor: executor, WorkerCap: 4}))

	if atomic.LoadInt64(&executed) != 10 {
		t.Fatalf("expected 10 executions, got %d", executed)
	}

	var finished *Event
	for i := range events {
		if events[i].Kind == EventFinished {
			finished = &events[i]
		}
	}
	if finished == nil {
		t.Fatal("expected a Finished event")
	}
	if finished.Files != 10 || finished.Bytes != 1000 {
		t.Errorf("expected files=10 bytes=1000, got files=%d bytes=%d", finished.Files, finished.Bytes)
	}
}

// TestRunTaskErrorContinues tests that a non-fatal per-task error is
// surfaced but does not stop the run.
func TestRunTaskErrorContinues(t *testing.T) {
	tasks := make(chan aggregate.Task, 2)
	tasks <- aggregate.Task{}
	tasks <- aggregate.Task{}
	close(tasks)

	executor := func(ctx context.Context, task aggregate.Task) (int64, int64, error) {
		return 0, 0, xfererr.New(xfererr.KindIO, "x", fmt.Errorf("boom"))
	}

	events := drainSchedule(Run(context.Background(), tasks, Options{Executor: executor, WorkerCap: 2}))

	var sawError, sawFinished bool
	for _, event := range events {
		if event.Kind == EventTaskError {
			sawError = true
		}
		if event.Kind == EventFinished {
			sawFinished = true
		}
	}
	if !sawError || !sawFinished {
		t.Errorf("expected both a task error and a finished event, got error=%v finished=%v", sawError, sawFinished)
	}
}

// TestRunFatalErrorAbortsRun tests that a fatal error stops dispatch of
// further tasks.
func TestRunFatalErrorAbortsRun(t *testing.T) {
	tasks := make(chan aggregate.Task, 1)
	tasks <- aggregate.Task{}
	close(tasks)

	executor := func(ctx context.Context, task aggregate.Task) (int64, int64, error) {
		return 0, 0, xfererr.New(xfererr.KindDestinationFull, "x", nil)
	}

	events := drainSchedule(Run(context.Background(), tasks, Options{Executor: executor, WorkerCap: 1}))

	var sawFatal bool
	for _, event := range events {
		if event.Kind == EventFatal {
			sawFatal = true
		}
	}
	if !sawFatal {
		t.Error("expected a Fatal event")
	}
}

// TestRunStallAborts tests that a run with an open task channel and a worker
// that never reports progress trips the stall guard, naming the last
// dispatched path.
func TestRunStallAborts(t *testing.T) {
	tasks := make(chan aggregate.Task, 1)
	tasks <- aggregate.Task{Entries: []entry.Entry{{RelativePath: "wedged/file.bin"}}}
	// The channel is deliberately left open: the planner has gone silent.

	executor := func(ctx context.Context, task aggregate.Task) (int64, int64, error) {
		<-ctx.Done()
		return 0, 0, ctx.Err()
	}

	done := make(chan struct{})
	var events []Event
	go func() {
		events = drainSchedule(Run(context.Background(), tasks, Options{
			Executor:       executor,
			WorkerCap:      1,
			StallThreshold: 100 * time.Millisecond,
		}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not abort on stall")
	}

	var stall *xfererr.Stall
	for _, event := range events {
		if event.Kind == EventFatal {
			if s, ok := event.Err.(*xfererr.Stall); ok {
				stall = s
			}
		}
	}
	if stall == nil {
		t.Fatal("expected a fatal Stall event")
	}
	if stall.LastPath != "wedged/file.bin" {
		t.Errorf("stall last path = %q, want %q", stall.LastPath, "wedged/file.bin")
	}
}

// TestRunEmptyTaskChannelFinishesImmediately tests the zero-task boundary.
func TestRunEmptyTaskChannelFinishesImmediately(t *testing.T) {
	tasks := make(chan aggregate.Task)
	close(tasks)

	executor := func(ctx context.Context, task aggregate.Task) (int64, int64, error) {
		return 0, 0, nil
	}

	done := make(chan struct{})
	var events []Event
	go func() {
		events = drainSchedule(Run(context.Background(), tasks, Options{Executor: executor}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not finish on an empty task channel")
	}

	if len(events) != 1 || events[0].Kind != EventFinished {
		t.Errorf("expected exactly one Finished event, got %v", events)
	}
}
