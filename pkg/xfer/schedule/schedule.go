// Package schedule implements the Scheduler and WorkerPool: a dynamically
// sized pool of worker goroutines that drain a bounded task queue, execute
// tasks via a caller-supplied executor, and report progress and stalls.
package schedule

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blit-sync/blit/pkg/state"
	"github.com/blit-sync/blit/pkg/timeutil"
	"github.com/blit-sync/blit/pkg/xfer/aggregate"
	"github.com/blit-sync/blit/pkg/xfer/xfererr"
)

// schedulerToReporterChannelBound bounds the channel carrying Events back to
// the caller.
const schedulerToReporterChannelBound = 256

const (
	heartbeatInterval        = 1 * time.Second
	starvedHeartbeatInterval = 500 * time.Millisecond
	stallThreshold           = 10 * time.Second

	idleScaleDownThreshold = 2 * time.Second

	// throughputTargetBytesPerSecond is the ceiling (≈9 Gb/s) below which
	// the pool keeps growing as long as there's a backlog: once the smoothed
	// throughput reaches it, more workers would only contend for the storage
	// that's already saturated.
	throughputTargetBytesPerSecond = 9_000_000_000 / 8

	// throughputEWMAAlpha weights the most recent heartbeat's observed
	// throughput against the running average.
	throughputEWMAAlpha = 0.5

	// progressCoalesceWindow bounds how often completed tasks can push an
	// extra EventProgress outside the regular heartbeat cadence: bursts of
	// fast-completing tasks strobe the coalescer instead of each emitting
	// its own event.
	progressCoalesceWindow = 200 * time.Millisecond
)

// Executor performs a single task's work. It must respect ctx cancellation.
type Executor func(ctx context.Context, task aggregate.Task) (files int64, bytesCopied int64, err error)

// EventKind identifies which variant of Event is populated.
type EventKind uint8

const (
	EventProgress EventKind = iota
	EventTaskError
	EventFatal
	EventFinished
)

// Event reports scheduler progress back to the caller.
type Event struct {
	Kind EventKind

	Files       int64
	Bytes       int64
	WorkerCount int

	Err error
}

// Options configures a scheduling run.
type Options struct {
	// WorkerCap, if non-zero, overrides the upper bound on worker count.
	WorkerCap int
	// StallThreshold, if non-zero, overrides the 10 s stall guard. Tunable
	// per run rather than process-wide; tests use it to trigger stalls
	// without waiting out the production window.
	StallThreshold time.Duration
	Executor       Executor
}

// Run drains tasks from the given channel using a dynamically sized worker
// pool, invoking options.Executor for each task. It returns a channel of
// Events that is closed once all tasks have been processed (or a fatal error
// or stall occurs). The returned channel should always be drained.
func Run(ctx context.Context, tasks <-chan aggregate.Task, options Options) <-chan Event {
	events := make(chan Event, schedulerToReporterChannelBound)

	go func() {
		defer close(events)
		runScheduler(ctx, tasks, options, events)
	}()

	return events
}

func runScheduler(ctx context.Context, tasks <-chan aggregate.Task, options Options, events chan<- Event) {
	maxWorkers := runtime.NumCPU() * 2
	if maxWorkers > 32 {
		maxWorkers = 32
	}
	if options.WorkerCap > 0 && options.WorkerCap < maxWorkers {
		maxWorkers = options.WorkerCap
	}
	minWorkers := runtime.NumCPU()
	if minWorkers > 12 {
		minWorkers = 12
	}
	if minWorkers > maxWorkers {
		minWorkers = maxWorkers
	}
	if minWorkers < 1 {
		minWorkers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := newWorkerPool(ctx, minWorkers, maxWorkers, options.Executor)
	defer pool.terminate()

	stallLimit := options.StallThreshold
	if stallLimit <= 0 {
		stallLimit = stallThreshold
	}

	var filesDone, bytesDone int64
	var lastActivity int64 // unixnano, updated atomically
	atomic.StoreInt64(&lastActivity, time.Now().UnixNano())
	var lastPath string

	var ewmaBytesPerSecond float64
	var lastTickBytes int64
	lastTick := time.Now()

	results := pool.results()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// progress coalesces bursts of task completions into a single extra
	// EventProgress per window, rather than one per completion, while the
	// heartbeat ticker above still guarantees a progress tick (and stall
	// check) even when nothing completes at all.
	progress := state.NewCoalescer(progressCoalesceWindow)
	defer progress.Terminate()

	var pendingDispatch aggregate.Task
	haveDispatch := false
	taskCh := tasks

	for {
		var dispatchCh chan<- aggregate.Task
		var receiveCh <-chan aggregate.Task
		if haveDispatch {
			dispatchCh = pool.submit
		} else {
			receiveCh = taskCh
		}

		select {
		case <-ctx.Done():
			err := xfererr.New(xfererr.KindCancelled, lastPath, ctx.Err())
			send(events, Event{Kind: EventFatal, Err: err})
			drainFatal(events, err)
			return

		case task, ok := <-receiveCh:
			if !ok {
				taskCh = nil
				if !haveDispatch && pool.outstanding() == 0 {
					send(events, Event{Kind: EventFinished, Files: filesDone, Bytes: bytesDone})
					return
				}
				continue
			}
			atomic.StoreInt64(&lastActivity, time.Now().UnixNano())
			lastPath = taskPath(task)
			pendingDispatch = task
			haveDispatch = true

		case dispatchCh <- pendingDispatch:
			haveDispatch = false
			pool.trackSubmitted()

		case result := <-results:
			atomic.StoreInt64(&lastActivity, time.Now().UnixNano())
			pool.trackCompleted()
			if result.err != nil {
				if isFatal(result.err) {
					send(events, Event{Kind: EventFatal, Err: result.err})
					cancel()
					drainFatal(events, result.err)
					return
				}
				send(events, Event{Kind: EventTaskError, Err: result.err})
			} else {
				filesDone += result.files
				bytesDone += result.bytesCopied
				progress.Strobe()
			}
			if taskCh == nil && !haveDispatch && pool.outstanding() == 0 {
				send(events, Event{Kind: EventFinished, Files: filesDone, Bytes: bytesDone})
				return
			}

		case <-progress.Events():
			send(events, Event{Kind: EventProgress, Files: filesDone, Bytes: bytesDone, WorkerCount: pool.currentSize()})

		case <-heartbeat.C:
			idle := time.Since(time.Unix(0, atomic.LoadInt64(&lastActivity)))
			if idle > stallLimit {
				// Reload the remaining count after observing the closed
				// channel: a final completion may have raced this tick.
				if taskCh == nil && !haveDispatch && pool.outstanding() == 0 {
					send(events, Event{Kind: EventFinished, Files: filesDone, Bytes: bytesDone})
					return
				}
				err := &xfererr.Stall{LastPath: lastPath, IdleSeconds: int(idle / time.Second)}
				send(events, Event{Kind: EventFatal, Err: err})
				cancel()
				drainFatal(events, err)
				return
			}

			elapsed := time.Since(lastTick)
			if elapsed > 0 {
				instantaneous := float64(bytesDone-lastTickBytes) / elapsed.Seconds()
				ewmaBytesPerSecond = throughputEWMAAlpha*instantaneous + (1-throughputEWMAAlpha)*ewmaBytesPerSecond
			}
			lastTickBytes = bytesDone
			lastTick = time.Now()
			pool.growOnBacklog(ewmaBytesPerSecond < throughputTargetBytesPerSecond)

			if pool.outstanding() == 0 && haveDispatch {
				heartbeat.Reset(starvedHeartbeatInterval)
			} else {
				heartbeat.Reset(heartbeatInterval)
			}
			send(events, Event{Kind: EventProgress, Files: filesDone, Bytes: bytesDone, WorkerCount: pool.currentSize()})
		}
	}
}

// taskPath returns a representative path for a task, used to name the last
// path observed by the scheduler when a Stall fires. A task's entries are
// copied in order, so the final entry is the best approximation of "what
// was in flight" without threading per-entry progress back out of the
// executor.
func taskPath(task aggregate.Task) string {
	if len(task.Entries) == 0 {
		return ""
	}
	return task.Entries[len(task.Entries)-1].RelativePath
}

// isFatal reports whether err should abort the entire run rather than being
// buffered as a per-task error.
func isFatal(err error) bool {
	switch e := err.(type) {
	case *xfererr.Error:
		return e.Kind.Fatal()
	case *xfererr.Stall:
		return true
	default:
		return false
	}
}

func drainFatal(events chan<- Event, err error) {
	// The fatal event has already been sent; nothing further to emit. Kept as
	// a distinct function so the cancellation path reads clearly at call
	// sites even though it currently has no additional work to do.
	_ = err
}

func send(events chan<- Event, event Event) {
	select {
	case events <- event:
	default:
		// The reporter channel is bounded; when it is full the send blocks
		// until the caller drains an event, so no event (progress, Finished
		// or Fatal) is dropped. A caller that stops draining stalls the
		// scheduler loop, which is already a contract violation.
		events <- event
	}
}

type taskResult struct {
	files       int64
	bytesCopied int64
	err         error
}

// workerPool is a dynamically sized set of worker goroutines draining a
// single submission channel and reporting onto a single results channel.
type workerPool struct {
	ctx        context.Context
	executor   Executor
	submit     chan aggregate.Task
	resultsCh  chan taskResult
	min, max   int

	mu          sync.Mutex
	size        int
	workerDone  chan struct{}
	submitted   int64
	completed   int64
	lastScaleUp time.Time
}

func newWorkerPool(ctx context.Context, min, max int, executor Executor) *workerPool {
	pool := &workerPool{
		ctx:       ctx,
		executor:  executor,
		submit:    make(chan aggregate.Task),
		resultsCh: make(chan taskResult, max),
		min:       min,
		max:       max,
	}
	for i := 0; i < min; i++ {
		pool.spawn()
	}
	return pool
}

func (p *workerPool) spawn() {
	p.mu.Lock()
	p.size++
	p.mu.Unlock()

	go func() {
		idle := time.NewTimer(idleScaleDownThreshold)
		defer idle.Stop()
		for {
			timeutil.StopAndDrainTimer(idle)
			idle.Reset(idleScaleDownThreshold)

			select {
			case task, ok := <-p.submit:
				if !ok {
					return
				}
				files, bytesCopied, err := p.executor(p.ctx, task)
				p.resultsCh <- taskResult{files: files, bytesCopied: bytesCopied, err: err}
			case <-idle.C:
				// Scale down: an idle worker above the floor exits rather
				// than staying warm. The floor keeps enough workers for the
				// queue to drain promptly if tasks resume.
				p.mu.Lock()
				if p.size > p.min {
					p.size--
					p.mu.Unlock()
					return
				}
				p.mu.Unlock()
			}
		}
	}()
}

func (p *workerPool) results() <-chan taskResult {
	return p.resultsCh
}

func (p *workerPool) trackSubmitted() {
	p.mu.Lock()
	p.submitted++
	p.mu.Unlock()
}

func (p *workerPool) trackCompleted() {
	p.mu.Lock()
	p.completed++
	p.mu.Unlock()
}

func (p *workerPool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.submitted - p.completed)
}

func (p *workerPool) currentSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// growOnBacklog adds one worker (up to max) when the smoothed throughput is
// below the target ceiling and the outstanding-task backlog exceeds the
// current pool size: more workers can't help once the storage is saturated
// or there's nothing queued for them to take. Shrinking is achieved
// passively: workers are never killed mid-run, since the submit channel is
// shared and a fixed floor of min workers is cheap to keep warm for the
// remainder of a transfer.
func (p *workerPool) growOnBacklog(throughputBelowTarget bool) {
	if !throughputBelowTarget {
		return
	}

	p.mu.Lock()
	outstanding := int(p.submitted - p.completed)
	size := p.size
	canGrow := size < p.max
	recentlyScaled := time.Since(p.lastScaleUp) < idleScaleDownThreshold
	p.mu.Unlock()

	if canGrow && !recentlyScaled && outstanding > size {
		p.mu.Lock()
		p.lastScaleUp = time.Now()
		p.mu.Unlock()
		p.spawn()
	}
}

func (p *workerPool) terminate() {
	close(p.submit)
}
