// Package aggregate implements the TaskAggregator: it converts the accepted-
// entry stream from the planner into Task values of one of three shapes,
// adaptively promoting its own batching targets as cumulative volume grows.
package aggregate

import (
	"github.com/blit-sync/blit/pkg/xfer/entry"
)

// Shape identifies which tagged variant of Task is populated.
type Shape uint8

const (
	// ShapeTarShard groups small files into a single ustar-style archive.
	ShapeTarShard Shape = iota
	// ShapeRawBundle groups medium files for sequential per-file copies.
	ShapeRawBundle
	// ShapeLargeFile carries exactly one large file.
	ShapeLargeFile
)

// Task is the tagged union produced by the aggregator. Shape selects which
// field is meaningful; a Task is moved into the worker that takes it and the
// Scheduler retains no reference to its contents afterward.
type Task struct {
	Shape      Shape
	Entries    []entry.Entry
	TotalBytes int64
	// ChunkBytes, when non-zero, is a lower bound on the per-worker copy
	// chunk size for this task's entries, promoted upward by the aggregator
	// under high cumulative volume.
	ChunkBytes int64
}

const (
	// smallFileCutoff is the boundary between small and medium entries.
	smallFileCutoff = 1 << 20 // 1 MiB
	// largeFileCutoff is the boundary at which an entry is emitted
	// immediately as its own LargeFile task.
	largeFileCutoff = 256 << 20 // 256 MiB

	// defaultSmallShardTarget is the initial tar-shard byte target.
	defaultSmallShardTarget = 16 << 20 // 16 MiB
	// defaultMediumBundleTarget is the initial raw-bundle byte target.
	defaultMediumBundleTarget = 256 << 20 // 256 MiB
	// defaultSmallFlushCount is the initial tar-shard entry-count target.
	defaultSmallFlushCount = 2048

	// promotionCheckInterval is how often (in accepted entries) promotion
	// conditions are re-evaluated.
	promotionCheckInterval = 256
)

// Aggregator accumulates accepted entries into tasks. It's not safe for
// concurrent use; the planner feeds it entries from a single goroutine.
type Aggregator struct {
	// reflinkSameVolume, when true, forces every entry into its own
	// single-file RawBundle regardless of size, to preserve per-file
	// block-clone dispatch.
	reflinkSameVolume bool

	// forceRaw disables tar-shard aggregation entirely (the diagnostic
	// force_raw option).
	forceRaw bool

	smallShardTarget   int64
	mediumBundleTarget int64
	smallFlushCount    int
	chunkBytes         int64

	cumulativeSmall  int64
	cumulativeMedium int64
	smallEntryCount  int64
	smallEntryBytes  int64

	entriesSinceCheck int

	pendingSmall  []entry.Entry
	pendingSmallBytes int64
	pendingMedium []entry.Entry
	pendingMediumBytes int64

	emit func(Task)
}

// Options configures an Aggregator.
type Options struct {
	// ReflinkSameVolume forces single-file RawBundle emission regardless of
	// size, per the reflink override rule.
	ReflinkSameVolume bool
	// ForceRaw disables tar-shard aggregation (the force_raw diagnostic
	// option).
	ForceRaw bool
}

// New creates an Aggregator that calls emit for each task it flushes.
func New(options Options, emit func(Task)) *Aggregator {
	return &Aggregator{
		reflinkSameVolume:  options.ReflinkSameVolume,
		forceRaw:           options.ForceRaw,
		smallShardTarget:   defaultSmallShardTarget,
		mediumBundleTarget: defaultMediumBundleTarget,
		smallFlushCount:    defaultSmallFlushCount,
		emit:               emit,
	}
}

// Accept classifies and accumulates a single accepted entry, flushing tasks
// as thresholds are crossed.
func (a *Aggregator) Accept(e entry.Entry) {
	switch {
	case e.Size >= largeFileCutoff:
		a.emit(Task{Shape: ShapeLargeFile, Entries: []entry.Entry{e}, TotalBytes: e.Size, ChunkBytes: a.chunkBytes})
	case a.reflinkSameVolume:
		a.emit(Task{Shape: ShapeRawBundle, Entries: []entry.Entry{e}, TotalBytes: e.Size, ChunkBytes: a.chunkBytes})
	case e.Size < smallFileCutoff && !a.forceRaw:
		a.acceptSmall(e)
	default:
		a.acceptMedium(e)
	}

	a.entriesSinceCheck++
	if a.entriesSinceCheck >= promotionCheckInterval {
		a.entriesSinceCheck = 0
		a.applyPromotions()
	}
}

func (a *Aggregator) acceptSmall(e entry.Entry) {
	a.pendingSmall = append(a.pendingSmall, e)
	a.pendingSmallBytes += e.Size
	a.cumulativeSmall += e.Size
	a.smallEntryCount++
	a.smallEntryBytes += e.Size

	if a.pendingSmallBytes >= a.smallShardTarget || len(a.pendingSmall) >= a.smallFlushCount {
		a.flushSmall()
	}
}

func (a *Aggregator) acceptMedium(e entry.Entry) {
	a.pendingMedium = append(a.pendingMedium, e)
	a.pendingMediumBytes += e.Size
	a.cumulativeMedium += e.Size

	if a.pendingMediumBytes >= a.mediumBundleTarget {
		a.flushMedium()
	}
}

func (a *Aggregator) flushSmall() {
	if len(a.pendingSmall) == 0 {
		return
	}
	a.emit(Task{Shape: ShapeTarShard, Entries: a.pendingSmall, TotalBytes: a.pendingSmallBytes, ChunkBytes: a.chunkBytes})
	a.pendingSmall = nil
	a.pendingSmallBytes = 0
}

func (a *Aggregator) flushMedium() {
	if len(a.pendingMedium) == 0 {
		return
	}
	a.emit(Task{Shape: ShapeRawBundle, Entries: a.pendingMedium, TotalBytes: a.pendingMediumBytes, ChunkBytes: a.chunkBytes})
	a.pendingMedium = nil
	a.pendingMediumBytes = 0
}

// Finish flushes any remaining partial shard/bundle. It must be called
// exactly once, when the planner emits Finished.
func (a *Aggregator) Finish() {
	a.flushSmall()
	a.flushMedium()
}

// applyPromotions evaluates the adaptive promotion table against cumulative
// volume, at most every promotionCheckInterval entries.
func (a *Aggregator) applyPromotions() {
	// The cumulative-small tiers are independent ratchets: each raises its
	// own target and never gates the others, so a workload that blows past
	// every threshold between two checks still lands on the highest tier.
	if a.cumulativeSmall >= 256<<20 && a.smallShardTarget < 32<<20 {
		a.smallShardTarget = 32 << 20
	}
	if a.cumulativeSmall >= 768<<20 && a.smallShardTarget < 64<<20 {
		a.smallShardTarget = 64 << 20
	}
	if a.cumulativeSmall >= 1<<30 && a.chunkBytes < 32<<20 {
		a.chunkBytes = 32 << 20
	}

	if a.cumulativeMedium >= 512<<20 {
		target := int64(384 << 20)
		if a.mediumBundleTarget < target {
			a.mediumBundleTarget = target
		}
	}

	if a.smallEntryCount >= 64 {
		averageSize := a.smallEntryBytes / a.smallEntryCount
		if averageSize <= 64<<10 {
			if a.smallFlushCount > 1024 {
				a.smallFlushCount = 1024
			}
			if a.chunkBytes < a.smallShardTarget {
				a.chunkBytes = a.smallShardTarget
			}
		}
	}
}
