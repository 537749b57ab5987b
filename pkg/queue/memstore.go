package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/stillwave-audio/renderworker/pkg/job"
)

// MemStore is an in-memory implementation of the queue contract, used in
// tests across packages. It mirrors the store-side semantics the real
// procedures provide: oldest-first SKIP LOCKED dequeue, lease expiry,
// attempt caps, monotonic progress, and exactly-once terminal
// transitions.
type MemStore struct {
	mu       sync.Mutex
	jobs     map[string]*job.Job
	uploads  map[string][]byte // storage path -> content
	music    map[string][]byte // url -> content
	tracks   map[string]TrackRow
	now      func() time.Time
	leaseTTL time.Duration
}

// TrackRow mirrors the persisted track artifact fields.
type TrackRow struct {
	AudioURL        string
	DurationSeconds float64
	Status          string
}

// NewMemStore creates an empty store with the production lease TTL.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:     make(map[string]*job.Job),
		uploads:  make(map[string][]byte),
		music:    make(map[string][]byte),
		tracks:   make(map[string]TrackRow),
		now:      time.Now,
		leaseTTL: LeaseTTL,
	}
}

// SetClock replaces the store clock, letting tests advance lease expiry.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Enqueue inserts a pending job row.
func (m *MemStore) Enqueue(j job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = m.now()
	}
	m.jobs[j.ID] = &j
}

// AddMusic registers downloadable background-music content for a URL.
func (m *MemStore) AddMusic(url string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.music[url] = content
}

// DequeueOne claims the oldest eligible row: pending, or processing with
// an expired lease and attempts below the cap.
func (m *MemStore) DequeueOne(_ context.Context) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var eligible []*job.Job
	for _, j := range m.jobs {
		switch j.Status {
		case job.StatusPending:
			eligible = append(eligible, j)
		case job.StatusProcessing:
			if j.LeasedUntil != nil && now.After(*j.LeasedUntil) && j.Attempts < MaxAttempts {
				eligible = append(eligible, j)
			}
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sort.Slice(eligible, func(a, b int) bool {
		return eligible[a].CreatedAt.Before(eligible[b].CreatedAt)
	})

	claimed := eligible[0]
	claimed.Status = job.StatusProcessing
	claimed.Attempts++
	lease := now.Add(m.leaseTTL)
	claimed.LeasedUntil = &lease

	cp := *claimed
	return &cp, nil
}

// UpdateProgress records a checkpoint, keeping progress non-decreasing.
func (m *MemStore) UpdateProgress(_ context.Context, jobID string, percent int, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("queue: no such job %s", jobID)
	}
	if percent > j.Progress {
		j.Progress = percent
	}
	j.Stage = stage
	return nil
}

// Complete marks the job completed. Fails on a second terminal call.
func (m *MemStore) Complete(_ context.Context, jobID string, _ json.RawMessage) error {
	return m.terminal(jobID, job.StatusCompleted, "")
}

// Fail marks the job failed. Fails on a second terminal call.
func (m *MemStore) Fail(_ context.Context, jobID, errorMessage string) error {
	return m.terminal(jobID, job.StatusFailed, errorMessage)
}

func (m *MemStore) terminal(jobID, status, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("queue: no such job %s", jobID)
	}
	if j.Status == job.StatusCompleted || j.Status == job.StatusFailed {
		return fmt.Errorf("queue: job %s already terminal (%s)", jobID, j.Status)
	}
	j.Status = status
	j.Error = errorMessage
	j.LeasedUntil = nil
	if status == job.StatusCompleted {
		j.Progress = 100
	}
	return nil
}

// UploadRender stores the file content under the render object path.
func (m *MemStore) UploadRender(_ context.Context, localPath, trackID, format string) (*UploadResult, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, &UploadError{Attempts: 1, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	path := fmt.Sprintf("tracks/%s/rendered.%s", trackID, format)
	m.uploads[path] = data
	return &UploadResult{URL: "mem://" + path, StoragePath: path}, nil
}

// DownloadBackgroundMusic copies registered content to localPath, or
// fails like a 404 when the URL is unknown.
func (m *MemStore) DownloadBackgroundMusic(_ context.Context, srcURL, localPath string) error {
	m.mu.Lock()
	content, ok := m.music[srcURL]
	m.mu.Unlock()

	if !ok {
		return &RequestError{Op: "download", StatusCode: 404, Body: srcURL}
	}
	return os.WriteFile(localPath, content, 0o644)
}

// FinalizeTrack records the published artifact for a track.
func (m *MemStore) FinalizeTrack(_ context.Context, trackID, storagePath string, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks[trackID] = TrackRow{
		AudioURL:        storagePath,
		DurationSeconds: float64(durationMs) / 1000,
		Status:          "published",
	}
	return nil
}

// Job returns a snapshot of a row.
func (m *MemStore) Job(jobID string) (job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return job.Job{}, false
	}
	return *j, true
}

// Track returns a snapshot of a track row.
func (m *MemStore) Track(trackID string) (TrackRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[trackID]
	return t, ok
}

// Upload returns the stored content for a render object path.
func (m *MemStore) Upload(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.uploads[path]
	return data, ok
}
