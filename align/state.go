package align

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunSnapshot is the progress of the latest dataset run
type RunSnapshot struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Total     int       `json:"total"`
	Done      bool      `json:"done"`
	Records   []*Record `json:"records"`
	Summary   Summary   `json:"summary"`
}

// RunTracker keeps the latest run in memory for the results server and
// optionally mirrors it to a JSON cache file after every update.
type RunTracker struct {
	mu        sync.RWMutex
	run       *RunSnapshot
	success   SuccessConfig
	cachePath string // empty disables persistence
}

// NewRunTracker creates a tracker without persistence
func NewRunTracker(success SuccessConfig) *RunTracker {
	return &RunTracker{success: success}
}

// NewRunTrackerWithCache creates a tracker backed by cachePath. An existing
// cache is loaded so a restarted server still reports the last run.
func NewRunTrackerWithCache(cachePath string, success SuccessConfig) *RunTracker {
	t := &RunTracker{success: success, cachePath: cachePath}
	if cachePath != "" {
		if snap, err := LoadRunSnapshot(cachePath); err == nil {
			t.run = snap
		}
	}
	return t
}

// StartRun resets the tracker for a new run of total samples
func (t *RunTracker) StartRun(runID string, total int) {
	now := time.Now()
	t.mu.Lock()
	t.run = &RunSnapshot{
		RunID:     runID,
		StartedAt: now,
		UpdatedAt: now,
		Total:     total,
		Records:   make([]*Record, 0, total),
		Summary:   Summary{RunID: runID},
	}
	t.mu.Unlock()
	t.persist()
}

// AddRecord appends a finished sample and refreshes the summary
func (t *RunTracker) AddRecord(r *Record) {
	t.mu.Lock()
	if t.run == nil {
		t.mu.Unlock()
		t.StartRun(r.RunID, 0)
		t.mu.Lock()
	}
	t.run.Records = append(t.run.Records, r)
	t.run.Summary = Summarize(t.run.RunID, t.run.Records, t.success)
	t.run.UpdatedAt = time.Now()
	t.mu.Unlock()
	t.persist()
}

// Finish marks the run complete and returns its summary
func (t *RunTracker) Finish() Summary {
	t.mu.Lock()
	if t.run == nil {
		t.mu.Unlock()
		return Summary{}
	}
	t.run.Done = true
	t.run.UpdatedAt = time.Now()
	sum := t.run.Summary
	t.mu.Unlock()
	t.persist()
	return sum
}

// Latest returns a copy of the current run, or nil before any run
func (t *RunTracker) Latest() *RunSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.run == nil {
		return nil
	}
	snap := *t.run
	snap.Records = append([]*Record(nil), t.run.Records...)
	return &snap
}

// Record looks up a sample in the current run
func (t *RunTracker) Record(sampleID string) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.run == nil {
		return nil, false
	}
	for _, r := range t.run.Records {
		if r.SampleID == sampleID {
			return r, true
		}
	}
	return nil, false
}

func (t *RunTracker) persist() {
	if t.cachePath == "" {
		return
	}
	snap := t.Latest()
	if snap == nil {
		return
	}
	if err := SaveRunSnapshot(snap, t.cachePath); err != nil {
		Logf("warning: failed to save run cache: %v", err)
	}
}

// SaveRunSnapshot writes a snapshot to disk as JSON
func SaveRunSnapshot(snap *RunSnapshot, path string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run cache: %w", err)
	}
	return nil
}

// LoadRunSnapshot reads a snapshot written by SaveRunSnapshot
func LoadRunSnapshot(path string) (*RunSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run cache: %w", err)
	}
	var snap RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal run cache: %w", err)
	}
	return &snap, nil
}
