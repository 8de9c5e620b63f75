package checksum

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

// TestFullMatchIdenticalFiles tests that two identical files hash equal.
func TestFullMatchIdenticalFiles(t *testing.T) {
	directory := t.TempDir()
	a := filepath.Join(directory, "a")
	b := filepath.Join(directory, "b")
	writeFile(t, a, "identical contents")
	writeFile(t, b, "identical contents")

	match, err := FullMatch(context.Background(), a, b, 1, AlgorithmBLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	if !match {
		t.Error("expected identical files to match")
	}
}

// TestFullMatchDifferentFiles tests that differing files don't match.
func TestFullMatchDifferentFiles(t *testing.T) {
	directory := t.TempDir()
	a := filepath.Join(directory, "a")
	b := filepath.Join(directory, "b")
	writeFile(t, a, "contents one")
	writeFile(t, b, "contents two")

	match, err := FullMatch(context.Background(), a, b, 1, AlgorithmBLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	if match {
		t.Error("expected differing files to not match")
	}
}

// TestPartialMatchSmallFileDegradesToFull tests that files smaller than 2N
// degrade directly to a full-file comparison.
func TestPartialMatchSmallFileDegradesToFull(t *testing.T) {
	directory := t.TempDir()
	a := filepath.Join(directory, "a")
	b := filepath.Join(directory, "b")
	writeFile(t, a, "small")
	writeFile(t, b, "small")

	match, err := PartialMatch(a, b, 5, AlgorithmBLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	if !match {
		t.Error("expected small identical files to match via full-hash degradation")
	}
}

// TestPartialMatchLargeFiles tests head/tail hashing on files larger than 2N.
func TestPartialMatchLargeFiles(t *testing.T) {
	directory := t.TempDir()
	a := filepath.Join(directory, "a")
	b := filepath.Join(directory, "b")

	content := strings.Repeat("x", 3*(1<<20))
	writeFile(t, a, content)
	writeFile(t, b, content)

	info, err := os.Stat(a)
	if err != nil {
		t.Fatal(err)
	}

	match, err := PartialMatch(a, b, info.Size(), AlgorithmBLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	if !match {
		t.Error("expected identical large files to match")
	}
}

// TestShouldParallelizeFullHash tests the parallel-hashing threshold rule.
func TestShouldParallelizeFullHash(t *testing.T) {
	if ShouldParallelizeFullHash(1<<20, 10) {
		t.Error("small workload should not parallelize")
	}
	if !ShouldParallelizeFullHash(9<<30, 10) {
		t.Error("large byte total should parallelize")
	}
	if !ShouldParallelizeFullHash(1<<20, 5000) {
		t.Error("large file count should parallelize")
	}
}
