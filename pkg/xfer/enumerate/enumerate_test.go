package enumerate

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/blit-sync/blit/pkg/xfer/entry"
)

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

// TestWalkVisitsDirectoriesBeforeChildren tests that a directory entry is
// visited before any of its children, as required for planner short-circuit.
func TestWalkVisitsDirectoriesBeforeChildren(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "b.txt"), "hello")

	var order []string
	err := Walk(root, root, Options{}, func(e entry.Entry) error {
		order = append(order, e.RelativePath)
		return nil
	}, func(string, error) {})
	if err != nil {
		t.Fatal(err)
	}

	sort.Strings(order)
	if len(order) != 2 {
		t.Fatalf("expected 2 entries, got %v", order)
	}

	// Find the index of "a" and "a/b.txt" in visitation order (not sorted).
	var sawDir, sawChild bool
	order = nil
	Walk(root, root, Options{}, func(e entry.Entry) error {
		if e.RelativePath == "a" {
			sawDir = true
		}
		if e.RelativePath == "a/b.txt" && !sawDir {
			t.Fatal("child visited before parent directory")
		}
		if e.RelativePath == "a/b.txt" {
			sawChild = true
		}
		return nil
	}, func(string, error) {})
	if !sawDir || !sawChild {
		t.Fatal("did not visit expected entries")
	}
}

// TestWalkAppliesFilter tests that excluded entries are not visited.
func TestWalkAppliesFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), "a")
	writeFile(t, filepath.Join(root, "skip.tmp"), "b")

	filter, err := NewFilter(nil, []string{"*.tmp"})
	if err != nil {
		t.Fatal(err)
	}

	var visited []string
	err = Walk(root, root, Options{Filter: filter}, func(e entry.Entry) error {
		visited = append(visited, e.RelativePath)
		return nil
	}, func(string, error) {})
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range visited {
		if name == "skip.tmp" {
			t.Error("excluded entry was visited")
		}
	}
}

// TestWalkEmptyDirectory tests that walking an empty source root visits only
// the root-relative nothing (zero entries), matching the empty-source-tree
// boundary behavior.
func TestWalkEmptyDirectory(t *testing.T) {
	root := t.TempDir()

	count := 0
	err := Walk(root, root, Options{}, func(e entry.Entry) error {
		count++
		return nil
	}, func(string, error) {})
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected 0 entries for empty root, got %d", count)
	}
}
