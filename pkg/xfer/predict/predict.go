// Package predict implements the EMA linear-model Predictor and its backing
// PerfHistory store, used to route tiny workloads around the streaming
// pipeline entirely and to bias planning-time estimates on larger ones.
package predict

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blit-sync/blit/pkg/encoding"
	"github.com/blit-sync/blit/pkg/filesystem"
	"github.com/blit-sync/blit/pkg/logging"
	"github.com/blit-sync/blit/pkg/stream"
)

// WorkloadSignature summarizes a workload for prediction and history
// purposes.
type WorkloadSignature struct {
	// FileCount is the estimated or observed number of files.
	FileCount int64 `json:"file_count"`
	// TotalBytes is the estimated or observed total byte count.
	TotalBytes int64 `json:"total_bytes"`
	// AverageSize is TotalBytes / FileCount, carried explicitly so history
	// records remain self-describing even if FileCount is later zero.
	AverageSize int64 `json:"average_size"`
	// FilesystemProfile tags the filesystem class under which coefficients
	// are tracked separately; pkg/transfer sets "network" for network roots
	// and "local" otherwise.
	FilesystemProfile string `json:"fs_profile"`
}

// PerfRecord is a single observation appended to PerfHistory.
type PerfRecord struct {
	Signature  WorkloadSignature `json:"signature"`
	PlanningMS float64           `json:"planning_ms"`
	CopyMS     float64           `json:"copy_ms"`
	Strategy   string            `json:"strategy"`
	StallCount int               `json:"stall_count"`
	Timestamp  int64             `json:"timestamp"`
}

// coefficients holds the per-profile EMA linear model:
// planning_ms_est = alpha*files + beta*bytes + gamma.
type coefficients struct {
	Alpha            float64 `json:"alpha"`
	Beta             float64 `json:"beta"`
	Gamma            float64 `json:"gamma"`
	ObservationCount int64   `json:"observation_count"`
}

const (
	alphaMax = 10.0 / 1.0           // 10 ms/file
	betaMax  = 1.0 / (1 << 20)      // 1 ms/MiB, expressed per byte
	gammaMax = 5000.0               // 5 s, in milliseconds
	baseLearningRate   = 0.15
	errorThreshold     = 0.25
	doubledLearningRate = 0.30
)

// State is the process-wide, persisted predictor state: per-filesystem-
// profile coefficients, guarded by a mutex since it's updated at the end of
// every run.
type State struct {
	mu           sync.Mutex
	byProfile    map[string]*coefficients
}

// NewState creates an empty predictor state.
func NewState() *State {
	return &State{byProfile: make(map[string]*coefficients)}
}

func (s *State) coefficientsForLocked(profile string) *coefficients {
	c, ok := s.byProfile[profile]
	if !ok {
		c = &coefficients{}
		s.byProfile[profile] = c
	}
	return c
}

// Predict returns the estimated planning time, in milliseconds, for the
// given workload signature.
func (s *State) Predict(signature WorkloadSignature) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coefficientsForLocked(signature.FilesystemProfile)
	return c.Alpha*float64(signature.FileCount) + c.Beta*float64(signature.TotalBytes) + c.Gamma
}

// Observe updates the model for signature.FilesystemProfile with an actual
// observed planning time, clamping coefficients to their bounds and
// temporarily doubling the learning rate when the prediction error exceeds
// 25%.
func (s *State) Observe(signature WorkloadSignature, actualPlanningMS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coefficientsForLocked(signature.FilesystemProfile)

	predicted := c.Alpha*float64(signature.FileCount) + c.Beta*float64(signature.TotalBytes) + c.Gamma
	learningRate := baseLearningRate
	if predicted > 0 {
		relativeError := (actualPlanningMS - predicted) / predicted
		if relativeError < 0 {
			relativeError = -relativeError
		}
		if relativeError > errorThreshold {
			learningRate = doubledLearningRate
		}
	}

	residual := actualPlanningMS - predicted

	// Distribute the residual across terms proportionally to their current
	// magnitude, the standard EMA linear-model update.
	fileContribution := c.Alpha * float64(signature.FileCount)
	byteContribution := c.Beta * float64(signature.TotalBytes)
	total := fileContribution + byteContribution + c.Gamma
	if total == 0 {
		total = 1
	}

	if signature.FileCount > 0 {
		c.Alpha += learningRate * residual * (fileContribution / total) / float64(signature.FileCount)
	}
	if signature.TotalBytes > 0 {
		c.Beta += learningRate * residual * (byteContribution / total) / float64(signature.TotalBytes)
	}
	c.Gamma += learningRate * residual * (c.Gamma / total)

	c.Alpha = clamp(c.Alpha, 0, alphaMax)
	c.Beta = clamp(c.Beta, 0, betaMax)
	c.Gamma = clamp(c.Gamma, 0, gammaMax)
	c.ObservationCount++
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// persistedState is the on-disk shape of predictor.json.
type persistedState struct {
	Profiles map[string]coefficients `json:"profiles"`
}

// Load populates State from predictor.json under stateDirectory, if present.
func Load(stateDirectory string) *State {
	state := NewState()
	if stateDirectory == "" {
		return state
	}

	var persisted persistedState
	err := encoding.LoadAndUnmarshal(
		filepath.Join(stateDirectory, filesystem.PredictorStateFileName),
		func(data []byte) error { return json.Unmarshal(data, &persisted) },
	)
	if err != nil {
		return state
	}
	for profile, c := range persisted.Profiles {
		copied := c
		state.byProfile[profile] = &copied
	}
	return state
}

// Save persists State to predictor.json under stateDirectory. It's a no-op
// if stateDirectory is empty.
func (s *State) Save(stateDirectory string, logger *logging.Logger) error {
	if stateDirectory == "" {
		return nil
	}

	s.mu.Lock()
	persisted := persistedState{Profiles: make(map[string]coefficients, len(s.byProfile))}
	for profile, c := range s.byProfile {
		persisted.Profiles[profile] = *c
	}
	s.mu.Unlock()

	path, err := filesystem.StateDirectory(stateDirectory, true, filesystem.PredictorStateFileName)
	if err != nil {
		return err
	}
	return encoding.MarshalAndSave(path, func() ([]byte, error) { return json.Marshal(persisted) }, logger)
}

// TinyFastPathPreconditions reports whether a workload qualifies for the
// tiny fast path: CopyPrimitives invoked directly, bypassing the streaming
// pipeline entirely.
func TinyFastPathPreconditions(signature WorkloadSignature, estimatedMS float64, hasDeletions, checksumRequested bool) bool {
	if estimatedMS >= 1000 {
		return false
	}
	if signature.FileCount > 8 {
		return false
	}
	if signature.TotalBytes > 100*(1<<20) {
		return false
	}
	if hasDeletions || checksumRequested {
		return false
	}
	return true
}

// AppendRecord appends a PerfRecord as a single JSON-Lines entry to
// perf_local.jsonl under stateDirectory. Writes are silently dropped if
// stateDirectory is empty (perf_history disabled).
func AppendRecord(stateDirectory string, record PerfRecord) error {
	if stateDirectory == "" {
		return nil
	}

	record.Timestamp = time.Now().UnixNano()

	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	path, err := filesystem.StateDirectory(stateDirectory, true, filesystem.PerfHistoryFileName)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	writer := bufio.NewWriter(file)
	closer := stream.NewMultiCloser(stream.NewFlushCloser(writer), file)

	if _, err := writer.Write(line); err != nil {
		closer.Close()
		return err
	}
	return closer.Close()
}

// ReadHistory reads every record from perf_local.jsonl under stateDirectory.
// It returns an empty slice (never an error) if persistence is disabled or
// the file doesn't exist yet.
func ReadHistory(stateDirectory string) ([]PerfRecord, error) {
	if stateDirectory == "" {
		return nil, nil
	}

	file, err := os.Open(filepath.Join(stateDirectory, filesystem.PerfHistoryFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var records []PerfRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var record PerfRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}
