package random

import (
	"testing"
)

// testLength is the number of random bytes requested in TestNew.
const testLength = 32

// TestNew tests New.
func TestNew(t *testing.T) {
	if data, err := New(testLength); err != nil {
		t.Fatal("unable to create random data:", err)
	} else if len(data) != testLength {
		t.Error("random data did not have expected length:", len(data), "!=", testLength)
	}
}
