package copyengine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blit-sync/blit/pkg/xfer/checksum"
	"github.com/blit-sync/blit/pkg/xfer/entry"
	"github.com/blit-sync/blit/pkg/xfer/xfererr"
)

func TestBufferSize(t *testing.T) {
	tests := []struct {
		size     int64
		expected int
	}{
		{0, minBufferSize},
		{1, minBufferSize},
		{64 << 10, minBufferSize},
		{minBufferSize * bufferSizeDivisor, minBufferSize},
		{512 << 20, 8 << 20},
		{maxBufferSize * bufferSizeDivisor, maxBufferSize},
		{1 << 40, maxBufferSize},
	}
	for _, test := range tests {
		if got := bufferSize(test.size); got != test.expected {
			t.Errorf("bufferSize(%d) = %d, want %d", test.size, got, test.expected)
		}
	}
}

func testEntry(t *testing.T, content []byte) entry.Entry {
	t.Helper()

	source := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(source, content, 0640); err != nil {
		t.Fatalf("unable to write source file: %v", err)
	}
	modTime := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(source, modTime, modTime); err != nil {
		t.Fatalf("unable to set source mtime: %v", err)
	}

	return entry.Entry{
		RelativePath:       "source.bin",
		SourcePath:         source,
		DestinationPath:    filepath.Join(t.TempDir(), "destination.bin"),
		Size:               int64(len(content)),
		ModTimeNanoseconds: modTime.UnixNano(),
		Mode:               0640,
	}
}

// TestCopyFileRoundTrip tests that a plain copy lands the source's content,
// mtime, and mode at the destination.
func TestCopyFileRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("blit"), 64<<10)
	e := testEntry(t, content)

	result, err := CopyFile(context.Background(), e, Options{PreserveMetadata: true})
	if err != nil {
		t.Fatalf("CopyFile failed: %v", err)
	}
	if !result.MetadataPreserved {
		t.Errorf("expected metadata to be preserved, warning: %v", result.MetadataWarning)
	}

	copied, err := os.ReadFile(e.DestinationPath)
	if err != nil {
		t.Fatalf("unable to read destination: %v", err)
	}
	if !bytes.Equal(copied, content) {
		t.Fatal("destination content differs from source")
	}

	info, err := os.Stat(e.DestinationPath)
	if err != nil {
		t.Fatalf("unable to stat destination: %v", err)
	}
	if info.ModTime().UnixNano() != e.ModTimeNanoseconds {
		t.Errorf("destination mtime = %d, want %d", info.ModTime().UnixNano(), e.ModTimeNanoseconds)
	}
}

// TestCopyFileRejectsUnsafePath tests that a traversal-carrying relative
// path is refused before any destination file is opened.
func TestCopyFileRejectsUnsafePath(t *testing.T) {
	e := testEntry(t, []byte("x"))
	e.RelativePath = "../evil"

	_, err := CopyFile(context.Background(), e, Options{})
	if err == nil {
		t.Fatal("expected CopyFile to reject an unsafe path")
	}
	xferErr, ok := err.(*xfererr.Error)
	if !ok || xferErr.Kind != xfererr.KindPathTraversal {
		t.Fatalf("expected a PathTraversal error, got %v", err)
	}
	if _, statErr := os.Stat(e.DestinationPath); !os.IsNotExist(statErr) {
		t.Errorf("expected no destination file to be created, stat err = %v", statErr)
	}
}

// TestCopyStreamComputesContentHash tests the buffered fallback's streamed
// hashing against a hash computed directly over the source bytes.
func TestCopyStreamComputesContentHash(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, 256<<10)
	e := testEntry(t, content)

	digest, err := copyStream(context.Background(), e.SourcePath, e.DestinationPath, e.Size, Options{
		ComputeContentHash: true,
		HashAlgorithm:      checksum.AlgorithmBLAKE3,
	}, false)
	if err != nil {
		t.Fatalf("copyStream failed: %v", err)
	}
	if len(digest) == 0 {
		t.Fatal("expected a content hash")
	}

	hasher := checksum.NewHasher(checksum.AlgorithmBLAKE3)
	hasher.Write(content)
	if !bytes.Equal(digest, hasher.Sum(nil)) {
		t.Error("streamed hash differs from direct hash of source content")
	}
}

// TestCopyStreamCancellation tests that a cancelled context interrupts a
// buffered copy in progress rather than letting it run to completion.
func TestCopyStreamCancellation(t *testing.T) {
	content := make([]byte, 2<<20)
	e := testEntry(t, content)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := copyStream(ctx, e.SourcePath, e.DestinationPath, e.Size, Options{}, false)
	if err == nil {
		t.Fatal("expected a cancelled copy to fail")
	}
}

// TestCopyStreamFiresFirstByteCallback tests that the first-byte callback
// fires exactly once.
func TestCopyStreamFiresFirstByteCallback(t *testing.T) {
	content := make([]byte, 1<<20)
	for i := range content {
		content[i] = byte(i)
	}
	e := testEntry(t, content)

	fired := 0
	_, err := copyStream(context.Background(), e.SourcePath, e.DestinationPath, e.Size, Options{
		OnFirstByte: func() { fired++ },
	}, false)
	if err != nil {
		t.Fatalf("copyStream failed: %v", err)
	}
	if fired != 1 {
		t.Errorf("first-byte callback fired %d times, want 1", fired)
	}
}

func TestIsZeroChunk(t *testing.T) {
	tests := []struct {
		name     string
		chunk    []byte
		expected bool
	}{
		{"empty", nil, true},
		{"single zero", []byte{0}, true},
		{"single nonzero", []byte{1}, false},
		{"aligned zeros", make([]byte, 64), true},
		{"unaligned zeros", make([]byte, 67), true},
		{"tail nonzero", append(make([]byte, 66), 0xFF), false},
		{"head nonzero", append([]byte{0xFF}, make([]byte, 66)...), false},
	}
	for _, test := range tests {
		if got := isZeroChunk(test.chunk); got != test.expected {
			t.Errorf("%s: isZeroChunk = %v, want %v", test.name, got, test.expected)
		}
	}
}

// TestCopySparsePreservesContentAndLength tests the zero-run path against a
// file with leading data, a long zero span, and a trailing zero run: the
// destination must match byte for byte, including the logical length the
// final truncate establishes.
func TestCopySparsePreservesContentAndLength(t *testing.T) {
	content := make([]byte, 3<<20)
	copy(content, []byte("leading data"))
	// Middle span left zero; the last region is zero too, so the file's
	// length is established by the closing truncate rather than a write.
	copy(content[1<<20:], []byte("island"))

	e := testEntry(t, content)

	source, err := os.Open(e.SourcePath)
	if err != nil {
		t.Fatalf("unable to open source: %v", err)
	}
	defer source.Close()

	destination, err := os.OpenFile(e.DestinationPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		t.Fatalf("unable to create destination: %v", err)
	}
	defer destination.Close()

	if err := copySparse(context.Background(), source, destination, bufferSize(e.Size), nil); err != nil {
		t.Fatalf("copySparse failed: %v", err)
	}

	copied, err := os.ReadFile(e.DestinationPath)
	if err != nil {
		t.Fatalf("unable to read destination: %v", err)
	}
	if len(copied) != len(content) {
		t.Fatalf("destination length = %d, want %d", len(copied), len(content))
	}
	if !bytes.Equal(copied, content) {
		t.Fatal("destination content differs from source")
	}
}

func TestStrategyString(t *testing.T) {
	tests := []struct {
		strategy Strategy
		expected string
	}{
		{StrategyReflink, "reflink"},
		{StrategyBulkCopy, "bulk-copy"},
		{StrategyBuffered, "buffered-copy"},
		{Strategy(200), "unknown"},
	}
	for _, test := range tests {
		if got := test.strategy.String(); got != test.expected {
			t.Errorf("Strategy(%d).String() = %q, want %q", test.strategy, got, test.expected)
		}
	}
}
