package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillwave-audio/renderworker/pkg/job"
)

func TestMemStoreDequeueOldestFirst(t *testing.T) {
	m := NewMemStore()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	m.Enqueue(job.Job{ID: "newer", TrackID: "t2", CreatedAt: base.Add(time.Minute)})
	m.Enqueue(job.Job{ID: "older", TrackID: "t1", CreatedAt: base})

	j, err := m.DequeueOne(context.Background())
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "older", j.ID)
	assert.Equal(t, job.StatusProcessing, j.Status)
	assert.Equal(t, 1, j.Attempts)
	require.NotNil(t, j.LeasedUntil)
}

func TestMemStoreDequeueEmptyReturnsNil(t *testing.T) {
	m := NewMemStore()
	j, err := m.DequeueOne(context.Background())
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestMemStoreConcurrentClaimIsExclusive(t *testing.T) {
	m := NewMemStore()
	m.Enqueue(job.Job{ID: "only", TrackID: "t1"})

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := m.DequeueOne(context.Background())
			require.NoError(t, err)
			if j != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed, "exactly one worker may claim a single row")
}

func TestMemStoreLeaseExpiryReclaim(t *testing.T) {
	m := NewMemStore()
	m.Enqueue(job.Job{ID: "j1", TrackID: "t1"})

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	first, err := m.DequeueOne(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	// Still leased: not eligible.
	again, err := m.DequeueOne(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again)

	// Past the lease: the row comes back with a bumped attempt count.
	now = now.Add(LeaseTTL + time.Second)
	reclaimed, err := m.DequeueOne(context.Background())
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "j1", reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestMemStoreAttemptsCap(t *testing.T) {
	m := NewMemStore()
	m.Enqueue(job.Job{ID: "j1", TrackID: "t1"})

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	for i := 0; i < MaxAttempts; i++ {
		j, err := m.DequeueOne(context.Background())
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d should be claimable", i+1)
		now = now.Add(LeaseTTL + time.Second)
	}

	j, err := m.DequeueOne(context.Background())
	require.NoError(t, err)
	assert.Nil(t, j, "row past the attempt cap must stay parked")
}

func TestMemStoreProgressMonotonic(t *testing.T) {
	m := NewMemStore()
	m.Enqueue(job.Job{ID: "j1", TrackID: "t1"})
	_, err := m.DequeueOne(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.UpdateProgress(context.Background(), "j1", 40, "binaural"))
	require.NoError(t, m.UpdateProgress(context.Background(), "j1", 20, "voice"))

	j, ok := m.Job("j1")
	require.True(t, ok)
	assert.Equal(t, 40, j.Progress, "progress must never move backwards")
	assert.Equal(t, "voice", j.Stage)
}

func TestMemStoreProgressUnknownJob(t *testing.T) {
	m := NewMemStore()
	assert.Error(t, m.UpdateProgress(context.Background(), "ghost", 10, "voice"))
}

func TestMemStoreTerminalExactlyOnce(t *testing.T) {
	m := NewMemStore()
	m.Enqueue(job.Job{ID: "j1", TrackID: "t1"})
	_, err := m.DequeueOne(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Complete(context.Background(), "j1", nil))
	assert.Error(t, m.Fail(context.Background(), "j1", "too late"))
	assert.Error(t, m.Complete(context.Background(), "j1", nil))

	j, ok := m.Job("j1")
	require.True(t, ok)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.Nil(t, j.LeasedUntil)
}

func TestMemStoreFailRecordsMessage(t *testing.T) {
	m := NewMemStore()
	m.Enqueue(job.Job{ID: "j1", TrackID: "t1"})
	_, err := m.DequeueOne(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Fail(context.Background(), "j1", "tts: provider quota"))

	j, ok := m.Job("j1")
	require.True(t, ok)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, "tts: provider quota", j.Error)
}

func TestMemStoreUploadAndFinalize(t *testing.T) {
	m := NewMemStore()

	local := t.TempDir() + "/final.mp3"
	require.NoError(t, os.WriteFile(local, []byte("render-bytes"), 0o644))

	res, err := m.UploadRender(context.Background(), local, "track-1", "mp3")
	require.NoError(t, err)
	assert.Equal(t, "tracks/track-1/rendered.mp3", res.StoragePath)

	data, ok := m.Upload(res.StoragePath)
	require.True(t, ok)
	assert.Equal(t, "render-bytes", string(data))

	require.NoError(t, m.FinalizeTrack(context.Background(), "track-1", res.StoragePath, 300000))
	tr, ok := m.Track("track-1")
	require.True(t, ok)
	assert.Equal(t, res.StoragePath, tr.AudioURL)
	assert.Equal(t, 300.0, tr.DurationSeconds)
	assert.Equal(t, "published", tr.Status)
}

func TestMemStoreDownloadUnknownURL(t *testing.T) {
	m := NewMemStore()
	err := m.DownloadBackgroundMusic(context.Background(), "https://cdn/x.mp3", t.TempDir()+"/m.mp3")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 404, reqErr.StatusCode)
}
