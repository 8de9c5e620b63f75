package transfer

import (
	"sync"
	"time"

	"github.com/blit-sync/blit/pkg/xfer/predict"
	"github.com/blit-sync/blit/pkg/xfer/xfererr"
)

// maxErrorRecords and maxErrorTextBytes bound the per-run error buffer so a
// run against a pathologically broken tree can't retain unbounded memory.
// Once either cap is reached, further errors are counted but not retained.
const (
	maxErrorRecords   = 50
	maxErrorTextBytes = 64 << 10
)

// runState collects the cross-goroutine counters a run accumulates as the
// planner and scheduler both make progress concurrently. All methods are
// safe for concurrent use; the executor, the planner-event consumer, and the
// scheduler-event loop all touch it from different goroutines.
type runState struct {
	mu             sync.Mutex
	errors         []ErrorRecord
	errorTextBytes int
	droppedErrors  int
	strategyCounts map[string]int64
	workerPeak     int

	firstByteOnce    sync.Once
	firstByteLatency time.Duration
	start            time.Time
}

func newRunState() *runState {
	return &runState{
		strategyCounts: make(map[string]int64),
		start:          time.Now(),
	}
}

func (s *runState) recordError(err error) {
	if err == nil {
		return
	}
	record := ErrorRecord{Message: err.Error()}
	var xferErr *xfererr.Error
	if e, ok := err.(*xfererr.Error); ok {
		xferErr = e
	}
	if xferErr != nil {
		record.Kind = xferErr.Kind
		record.Path = xferErr.Path
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) >= maxErrorRecords || s.errorTextBytes+len(record.Message) > maxErrorTextBytes {
		s.droppedErrors++
		return
	}
	s.errors = append(s.errors, record)
	s.errorTextBytes += len(record.Message)
}

func (s *runState) recordStrategy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategyCounts[name]++
}

// recordFirstByte stamps the latency from run start to the first
// successfully copied byte. Only the first call has any effect.
func (s *runState) recordFirstByte() {
	s.firstByteOnce.Do(func() {
		s.mu.Lock()
		s.firstByteLatency = time.Since(s.start)
		s.mu.Unlock()
	})
}

func (s *runState) stallCount(fatal error) int {
	if _, ok := fatal.(*xfererr.Stall); ok {
		return 1
	}
	var xferErr *xfererr.Error
	if e, ok := fatal.(*xfererr.Error); ok {
		xferErr = e
	}
	if xferErr != nil && xferErr.Kind == xfererr.KindStall {
		return 1
	}
	return 0
}

// plannerSummary is handed back from the goroutine draining planner events
// once the planner has finished (or failed fatally).
type plannerSummary struct {
	Files     int64
	Bytes     int64
	Duration  time.Duration
	Deletions []string
	FatalErr  error
}

// signatureOrFallback builds the workload signature used for the predictor
// observation recorded at the end of a full pipeline run. It prefers the
// planner's own file/byte counts (known precisely once planning finishes)
// and falls back to what the workers actually moved if planning produced
// nothing (e.g. a cancelled run).
func (p plannerSummary) signatureOrFallback(workerFiles, workerBytes int64, profile string) predict.WorkloadSignature {
	files, bytes := p.Files, p.Bytes
	if files == 0 && bytes == 0 {
		files, bytes = workerFiles, workerBytes
	}
	average := int64(0)
	if files > 0 {
		average = bytes / files
	}
	return predict.WorkloadSignature{FileCount: files, TotalBytes: bytes, AverageSize: average, FilesystemProfile: profile}
}
