// Package checksum implements the opt-in content-hash comparison used by the
// planner's --checksum mode: a partial-then-full BLAKE3 (or MD5) comparison
// that decides whether an entry can be skipped despite size/mtime alone
// being ambiguous.
package checksum

import (
	"context"
	"crypto/md5"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/blit-sync/blit/pkg/parallelism"
)

// Algorithm selects the hash function used for comparison.
type Algorithm uint8

const (
	// AlgorithmBLAKE3 is the default algorithm.
	AlgorithmBLAKE3 Algorithm = iota
	// AlgorithmMD5 is offered only when the caller explicitly opts in.
	AlgorithmMD5
)

func newHasher(algorithm Algorithm) hash.Hash {
	if algorithm == AlgorithmMD5 {
		return md5.New()
	}
	return blake3.New()
}

// NewHasher returns a fresh hash.Hash for the given algorithm, for callers
// (such as CopyPrimitives) that want to compute a comparable digest while
// streaming a file rather than re-reading it afterward.
func NewHasher(algorithm Algorithm) hash.Hash {
	return newHasher(algorithm)
}

const (
	// defaultPartialHashSize is the default number of bytes hashed from each
	// end of a file during partial comparison.
	defaultPartialHashSize = 1 << 20

	// parallelHashByteThreshold triggers parallel full-file hashing.
	parallelHashByteThreshold = 8 << 30
	// parallelHashCountThreshold triggers parallel full-file hashing.
	parallelHashCountThreshold = 4096
)

// PartialMatch hashes the first and last N bytes (default 1 MiB) of the two
// files at sourcePath and destinationPath; when both pairs match, it confirms
// the match with a full-file comparison. If either file is smaller than 2N,
// it degrades directly to a full-file comparison, matching the documented
// edge case.
func PartialMatch(sourcePath, destinationPath string, size int64, algorithm Algorithm) (bool, error) {
	n := int64(defaultPartialHashSize)
	if size < 2*n {
		return FullMatch(context.Background(), sourcePath, destinationPath, 1, algorithm)
	}

	sourceHead, sourceTail, err := headTailHash(sourcePath, n, algorithm)
	if err != nil {
		return false, err
	}
	destHead, destTail, err := headTailHash(destinationPath, n, algorithm)
	if err != nil {
		return false, err
	}

	if string(sourceHead) != string(destHead) || string(sourceTail) != string(destTail) {
		return false, nil
	}
	return FullMatch(context.Background(), sourcePath, destinationPath, 1, algorithm)
}

func headTailHash(path string, n int64, algorithm Algorithm) (head []byte, tail []byte, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	headHasher := newHasher(algorithm)
	if _, err := io.CopyN(headHasher, file, n); err != nil && err != io.EOF {
		return nil, nil, err
	}

	info, err := file.Stat()
	if err != nil {
		return nil, nil, err
	}
	if _, err := file.Seek(info.Size()-n, io.SeekStart); err != nil {
		return nil, nil, err
	}

	tailHasher := newHasher(algorithm)
	if _, err := io.Copy(tailHasher, file); err != nil {
		return nil, nil, err
	}

	return headHasher.Sum(nil), tailHasher.Sum(nil), nil
}

// FullMatch computes and compares the full-file hash of sourcePath and
// destinationPath. The two hashes are always computed concurrently;
// fileCount is not consulted.
func FullMatch(ctx context.Context, sourcePath, destinationPath string, fileCount int, algorithm Algorithm) (bool, error) {
	group, groupCtx := errgroup.WithContext(ctx)

	var sourceSum, destSum []byte
	group.Go(func() error {
		sum, err := fileHash(groupCtx, sourcePath, algorithm)
		sourceSum = sum
		return err
	})
	group.Go(func() error {
		sum, err := fileHash(groupCtx, destinationPath, algorithm)
		destSum = sum
		return err
	})

	if err := group.Wait(); err != nil {
		return false, err
	}
	return string(sourceSum) == string(destSum), nil
}

// ShouldParallelizeFullHash reports whether the full-hash workload crosses
// the threshold at which parallel hashing across files (as opposed to the
// two-sides-concurrently hashing FullMatch already does per file) is
// worthwhile.
func ShouldParallelizeFullHash(totalBytes int64, fileCount int) bool {
	return totalBytes > parallelHashByteThreshold || fileCount > parallelHashCountThreshold
}

// CandidatePair names a single comparison for BatchPartialMatch.
type CandidatePair struct {
	SourcePath      string
	DestinationPath string
	Size            int64
}

// batchWork fans a batch of PartialMatch calls out across a SIMDWorkerArray,
// one strided slice of candidates per worker.
type batchWork struct {
	candidates []CandidatePair
	algorithm  Algorithm
	results    []bool
	errs       []error
}

func (w batchWork) Do(index, size int) error {
	for i := index; i < len(w.candidates); i += size {
		c := w.candidates[i]
		match, err := PartialMatch(c.SourcePath, c.DestinationPath, c.Size, w.algorithm)
		w.results[i] = match
		w.errs[i] = err
	}
	return nil
}

// BatchPartialMatch evaluates PartialMatch across many candidates at once.
// When the aggregate workload crosses ShouldParallelizeFullHash's threshold,
// the comparisons are fanned out across a SIMDWorkerArray sized to the host's
// CPU count instead of run one file at a time; below the threshold the
// per-candidate dispatch overhead isn't worth it, so candidates are compared
// sequentially. The returned slice and per-candidate errors are aligned with
// candidates by index.
func BatchPartialMatch(candidates []CandidatePair, algorithm Algorithm) ([]bool, []error) {
	results := make([]bool, len(candidates))
	errs := make([]error, len(candidates))
	if len(candidates) == 0 {
		return results, errs
	}

	var totalBytes int64
	for _, c := range candidates {
		totalBytes += c.Size
	}

	if !ShouldParallelizeFullHash(totalBytes, len(candidates)) {
		for i, c := range candidates {
			results[i], errs[i] = PartialMatch(c.SourcePath, c.DestinationPath, c.Size, algorithm)
		}
		return results, errs
	}

	array := parallelism.NewSIMDWorkerArray(0)
	defer array.Terminate()

	array.Do(batchWork{candidates: candidates, algorithm: algorithm, results: results, errs: errs})
	return results, errs
}

func fileHash(ctx context.Context, path string, algorithm Algorithm) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	hasher := newHasher(algorithm)
	buffer := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := file.Read(buffer)
		if n > 0 {
			hasher.Write(buffer[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return hasher.Sum(nil), nil
}
