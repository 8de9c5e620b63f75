package predict

import (
	"math"
	"testing"
)

// TestObserveClampsCoefficients tests that repeated large-error observations
// never push coefficients outside their documented clamp bounds.
func TestObserveClampsCoefficients(t *testing.T) {
	state := NewState()
	signature := WorkloadSignature{FileCount: 100000, TotalBytes: 1 << 40, FilesystemProfile: "ssd"}

	for i := 0; i < 1000; i++ {
		state.Observe(signature, 1e9)
	}

	c := state.coefficientsForLocked("ssd")
	if c.Alpha < 0 || c.Alpha > alphaMax {
		t.Errorf("alpha out of bounds: %v", c.Alpha)
	}
	if c.Beta < 0 || c.Beta > betaMax {
		t.Errorf("beta out of bounds: %v", c.Beta)
	}
	if c.Gamma < 0 || c.Gamma > gammaMax {
		t.Errorf("gamma out of bounds: %v", c.Gamma)
	}
}

// TestPredictZeroStateReturnsZero tests that an unobserved profile predicts
// zero planning time.
func TestPredictZeroStateReturnsZero(t *testing.T) {
	state := NewState()
	estimate := state.Predict(WorkloadSignature{FileCount: 10, TotalBytes: 1024})
	if estimate != 0 {
		t.Errorf("expected zero estimate for unobserved profile, got %v", estimate)
	}
}

// TestStateSaveLoadRoundTrip tests that coefficients survive a persisted
// save/load cycle.
func TestStateSaveLoadRoundTrip(t *testing.T) {
	directory := t.TempDir()

	state := NewState()
	state.Observe(WorkloadSignature{FileCount: 10, TotalBytes: 1 << 20, FilesystemProfile: "hdd"}, 500)

	if err := state.Save(directory, nil); err != nil {
		t.Fatal(err)
	}

	restored := Load(directory)
	before := state.Predict(WorkloadSignature{FileCount: 10, TotalBytes: 1 << 20, FilesystemProfile: "hdd"})
	after := restored.Predict(WorkloadSignature{FileCount: 10, TotalBytes: 1 << 20, FilesystemProfile: "hdd"})

	if math.Abs(before-after) > 1e-9 {
		t.Errorf("predictor state did not round-trip: %v != %v", before, after)
	}
}

// TestTinyFastPathPreconditions tests the eligibility rule for bypassing the
// streaming pipeline entirely.
func TestTinyFastPathPreconditions(t *testing.T) {
	small := WorkloadSignature{FileCount: 3, TotalBytes: 5 << 20}
	if !TinyFastPathPreconditions(small, 10, false, false) {
		t.Error("expected small workload to qualify for the tiny fast path")
	}
	if TinyFastPathPreconditions(small, 2000, false, false) {
		t.Error("estimate above 1s should not qualify")
	}
	if TinyFastPathPreconditions(small, 10, true, false) {
		t.Error("workload with deletions should not qualify")
	}
	if TinyFastPathPreconditions(small, 10, false, true) {
		t.Error("workload requesting checksum should not qualify")
	}

	large := WorkloadSignature{FileCount: 20, TotalBytes: 5 << 20}
	if TinyFastPathPreconditions(large, 10, false, false) {
		t.Error("workload with too many files should not qualify")
	}
}

// TestAppendAndReadHistory tests that appended records round-trip through
// ReadHistory.
func TestAppendAndReadHistory(t *testing.T) {
	directory := t.TempDir()

	record := PerfRecord{
		Signature: WorkloadSignature{FileCount: 5, TotalBytes: 1024},
		PlanningMS: 12.5,
		Strategy:   "tar-shard",
	}
	if err := AppendRecord(directory, record); err != nil {
		t.Fatal(err)
	}

	records, err := ReadHistory(directory)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Signature.FileCount != 5 {
		t.Error("record did not round-trip correctly")
	}
}

// TestReadHistoryEmptyDisabled tests that ReadHistory returns no records and
// no error when persistence is disabled.
func TestReadHistoryEmptyDisabled(t *testing.T) {
	records, err := ReadHistory("")
	if err != nil {
		t.Fatal(err)
	}
	if records != nil {
		t.Error("expected nil records when persistence is disabled")
	}
}
