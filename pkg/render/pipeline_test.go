package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillwave-audio/renderworker/pkg/ffmpeg"
	"github.com/stillwave-audio/renderworker/pkg/job"
	"github.com/stillwave-audio/renderworker/pkg/queue"
	"github.com/stillwave-audio/renderworker/pkg/tts"
)

// recordingQueue wraps a MemStore and records every progress checkpoint
// in order.
type recordingQueue struct {
	*queue.MemStore

	mu          sync.Mutex
	checkpoints []int
	stages      []string
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{MemStore: queue.NewMemStore()}
}

func (q *recordingQueue) UpdateProgress(ctx context.Context, jobID string, percent int, stage string) error {
	q.mu.Lock()
	q.checkpoints = append(q.checkpoints, percent)
	q.stages = append(q.stages, stage)
	q.mu.Unlock()
	return q.MemStore.UpdateProgress(ctx, jobID, percent, stage)
}

// fakeTool satisfies AudioTool by writing placeholder files and recording
// call parameters.
type fakeTool struct {
	mu         sync.Mutex
	mixInputs  []ffmpeg.MixInput
	loopTarget float64
	loopPause  float64
	loopRepeat bool
	concatIns  [][]string
	normTarget float64
	fadeIn     int
	fadeOut    int
	musicSec   float64

	failOp string // op name that should error, "" for none
}

func (f *fakeTool) touch(path string) error {
	return os.WriteFile(path, []byte("x"), 0o644)
}

func (f *fakeTool) fail(op string) error {
	if f.failOp == op {
		return fmt.Errorf("fake %s failure", op)
	}
	return nil
}

func (f *fakeTool) EncodePCM(_ context.Context, pcm []byte, channels, sampleRate int, outPath string) error {
	if err := f.fail("encode"); err != nil {
		return err
	}
	return f.touch(outPath)
}

func (f *fakeTool) Mix(_ context.Context, inputs []ffmpeg.MixInput, outPath string) error {
	f.mu.Lock()
	f.mixInputs = append([]ffmpeg.MixInput(nil), inputs...)
	f.mu.Unlock()
	if err := f.fail("mix"); err != nil {
		return err
	}
	return f.touch(outPath)
}

func (f *fakeTool) Fade(_ context.Context, inPath string, fadeInMs, fadeOutMs int, outPath string) error {
	f.mu.Lock()
	f.fadeIn, f.fadeOut = fadeInMs, fadeOutMs
	f.mu.Unlock()
	if err := f.fail("fade"); err != nil {
		return err
	}
	return f.touch(outPath)
}

func (f *fakeTool) Trim(_ context.Context, inPath string, durationSec float64, outPath string) error {
	return f.touch(outPath)
}

func (f *fakeTool) Silence(_ context.Context, durationSec float64, outPath string) error {
	return f.touch(outPath)
}

func (f *fakeTool) Concat(_ context.Context, inPaths []string, outPath string) error {
	f.mu.Lock()
	f.concatIns = append(f.concatIns, append([]string(nil), inPaths...))
	f.mu.Unlock()
	return f.touch(outPath)
}

func (f *fakeTool) Normalize(_ context.Context, inPath string, targetLufs float64, outPath string) error {
	f.mu.Lock()
	f.normTarget = targetLufs
	f.mu.Unlock()
	if err := f.fail("normalize"); err != nil {
		return err
	}
	return f.touch(outPath)
}

func (f *fakeTool) PrepareMusic(_ context.Context, inPath string, targetSec float64, fadeInMs, fadeOutMs int, outPath string) error {
	f.mu.Lock()
	f.musicSec = targetSec
	f.mu.Unlock()
	return f.touch(outPath)
}

func (f *fakeTool) LoopVoice(_ context.Context, voicePath string, targetSec, pauseSec float64, loop bool, tempDir, outPath string) error {
	f.mu.Lock()
	f.loopTarget, f.loopPause, f.loopRepeat = targetSec, pauseSec, loop
	f.mu.Unlock()
	return f.touch(outPath)
}

func (f *fakeTool) ProbeDuration(_ context.Context, path string) (int64, error) {
	return 300000, nil
}

// fakeSynth writes a placeholder voice file.
type fakeSynth struct {
	err  error
	reqs []tts.Request
}

func (s *fakeSynth) Name() string { return "openai" }

func (s *fakeSynth) Synthesize(_ context.Context, req tts.Request) (*tts.Result, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	if err := os.WriteFile(req.OutPath, []byte("voice"), 0o644); err != nil {
		return nil, err
	}
	return &tts.Result{Path: req.OutPath, EstimatedSec: 12}, nil
}

func newTestPipeline(t *testing.T, q *recordingQueue, tool *fakeTool, synth tts.Synthesizer) *Pipeline {
	t.Helper()
	p := New(q, tool, map[string]tts.Synthesizer{"openai": synth}, nil)
	p.TempRoot = t.TempDir()
	return p
}

func claim(t *testing.T, q *recordingQueue, payload string) *job.Job {
	t.Helper()
	q.Enqueue(job.Job{ID: "job-1", TrackID: "track-1", Payload: json.RawMessage(payload)})
	j, err := q.DequeueOne(context.Background())
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestRunVoiceOnly(t *testing.T) {
	q := newRecordingQueue()
	tool := &fakeTool{}
	synth := &fakeSynth{}
	p := newTestPipeline(t, q, tool, synth)

	j := claim(t, q, `{
		"script": "breathe in, breathe out",
		"voice": {"provider": "openai", "id": "nova"},
		"durationMin": 5
	}`)

	require.NoError(t, p.Run(context.Background(), j))

	row, ok := q.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, job.StatusCompleted, row.Status)
	assert.Equal(t, 100, row.Progress)

	require.Len(t, synth.reqs, 1)
	assert.Equal(t, "nova", synth.reqs[0].VoiceID)

	require.Len(t, tool.mixInputs, 1)
	assert.Equal(t, job.DefaultVoiceDB, tool.mixInputs[0].GainDB)
	assert.Equal(t, 300.0, tool.loopTarget)
	assert.Equal(t, job.DefaultPauseSec, tool.loopPause)
	assert.Equal(t, job.DefaultTargetLufs, tool.normTarget)

	tr, ok := q.Track("track-1")
	require.True(t, ok)
	assert.Equal(t, "tracks/track-1/rendered.mp3", tr.AudioURL)
	assert.Equal(t, 300.0, tr.DurationSeconds)
	assert.Equal(t, "published", tr.Status)
}

func TestRunFullStack(t *testing.T) {
	q := newRecordingQueue()
	q.AddMusic("https://cdn.example.com/rain.mp3", []byte("rain"))
	tool := &fakeTool{}
	p := newTestPipeline(t, q, tool, &fakeSynth{})

	j := claim(t, q, `{
		"script": "relax",
		"voice": {"provider": "openai", "id": "nova"},
		"durationMin": 10,
		"backgroundMusic": {"url": "https://cdn.example.com/rain.mp3"},
		"solfeggio": {"enabled": true, "hz": 528},
		"binaural": {"enabled": true, "band": "theta"}
	}`)

	require.NoError(t, p.Run(context.Background(), j))

	require.Len(t, tool.mixInputs, 4)
	assert.Equal(t, job.DefaultVoiceDB, tool.mixInputs[0].GainDB)
	assert.Equal(t, job.DefaultMusicDB, tool.mixInputs[1].GainDB)
	// Tone layers mix at unity; their level is baked into the samples.
	assert.Equal(t, 0.0, tool.mixInputs[2].GainDB)
	assert.Equal(t, 0.0, tool.mixInputs[3].GainDB)

	assert.Equal(t, 600.0, tool.musicSec)
	assert.Equal(t, job.DefaultFadeInMs, tool.fadeIn)
	assert.Equal(t, job.DefaultFadeOutMs, tool.fadeOut)

	want := []int{
		CheckpointValidated,
		CheckpointVoiceDone,
		CheckpointMusicStart, CheckpointMusicDone,
		CheckpointSolfeggioStart, CheckpointSolfeggioDone,
		CheckpointBinauralStart, CheckpointBinauralDone,
		CheckpointMixStart, CheckpointMixDone,
		CheckpointFadeStart, CheckpointFadeDone,
		CheckpointNormalizeStart, CheckpointNormalizeDone,
		CheckpointUploaded,
	}
	assert.Equal(t, want, q.checkpoints)
}

func TestRunBinauralOnly(t *testing.T) {
	q := newRecordingQueue()
	tool := &fakeTool{}
	p := newTestPipeline(t, q, tool, &fakeSynth{})

	j := claim(t, q, `{"durationMin": 2, "binaural": {"enabled": true, "carrierHz": 400, "beatHz": 6}}`)

	require.NoError(t, p.Run(context.Background(), j))

	require.Len(t, tool.mixInputs, 1)
	assert.Equal(t, 0.0, tool.mixInputs[0].GainDB)
	assert.NotContains(t, q.checkpoints, CheckpointVoiceDone)
	assert.NotContains(t, q.checkpoints, CheckpointMusicDone)
	assert.Contains(t, q.checkpoints, CheckpointBinauralDone)
}

func TestRunInvalidPayloadFailsBeforeStaging(t *testing.T) {
	q := newRecordingQueue()
	tool := &fakeTool{}
	p := newTestPipeline(t, q, tool, &fakeSynth{})

	j := claim(t, q, `{"durationMin": 10}`)

	err := p.Run(context.Background(), j)
	var valErr *job.ValidationError
	require.ErrorAs(t, err, &valErr)

	row, ok := q.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, job.StatusFailed, row.Status)
	assert.Contains(t, row.Error, "at least one audio source")

	assert.Empty(t, q.checkpoints, "no progress before validation passes")
	entries, readErr := os.ReadDir(p.TempRoot)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "no temp directory for rejected payloads")
}

func TestRunMusicDownloadFailureDropsLayer(t *testing.T) {
	q := newRecordingQueue()
	tool := &fakeTool{}
	p := newTestPipeline(t, q, tool, &fakeSynth{})

	// The music URL is not registered, so the download 404s.
	j := claim(t, q, `{
		"script": "relax",
		"voice": {"provider": "openai", "id": "nova"},
		"backgroundMusic": {"url": "https://cdn.example.com/missing.mp3"}
	}`)

	require.NoError(t, p.Run(context.Background(), j))

	row, ok := q.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, job.StatusCompleted, row.Status)
	require.Len(t, tool.mixInputs, 1, "music layer dropped, voice still mixed")
}

func TestRunMusicOnlyDownloadFailureHasNoLayers(t *testing.T) {
	q := newRecordingQueue()
	tool := &fakeTool{}
	p := newTestPipeline(t, q, tool, &fakeSynth{})

	j := claim(t, q, `{"backgroundMusic": {"url": "https://cdn.example.com/missing.mp3"}}`)

	err := p.Run(context.Background(), j)
	require.ErrorIs(t, err, ErrNoLayers)

	row, _ := q.Job("job-1")
	assert.Equal(t, job.StatusFailed, row.Status)
}

func TestRunTTSFailureFailsJob(t *testing.T) {
	q := newRecordingQueue()
	tool := &fakeTool{}
	synth := &fakeSynth{err: &tts.ProviderError{Provider: "openai", StatusCode: 429, Err: errors.New("rate limited")}}
	p := newTestPipeline(t, q, tool, synth)

	j := claim(t, q, `{"script": "relax", "voice": {"provider": "openai", "id": "nova"}}`)

	err := p.Run(context.Background(), j)
	var provErr *tts.ProviderError
	require.ErrorAs(t, err, &provErr)

	row, _ := q.Job("job-1")
	assert.Equal(t, job.StatusFailed, row.Status)
	assert.Contains(t, row.Error, "429")
}

func TestRunUnknownProviderFailsJob(t *testing.T) {
	q := newRecordingQueue()
	p := newTestPipeline(t, q, &fakeTool{}, &fakeSynth{})

	j := claim(t, q, `{"script": "relax", "voice": {"provider": "elevenlabs", "id": "v"}}`)

	err := p.Run(context.Background(), j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "elevenlabs")
}

func TestRunStageFailureCleansTempDir(t *testing.T) {
	q := newRecordingQueue()
	tool := &fakeTool{failOp: "normalize"}
	p := newTestPipeline(t, q, tool, &fakeSynth{})

	j := claim(t, q, `{"script": "relax", "voice": {"provider": "openai", "id": "nova"}}`)

	require.Error(t, p.Run(context.Background(), j))

	entries, err := os.ReadDir(p.TempRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp dir removed on failure")

	row, _ := q.Job("job-1")
	assert.Equal(t, job.StatusFailed, row.Status)
}

func TestRunSuccessCleansTempDir(t *testing.T) {
	q := newRecordingQueue()
	p := newTestPipeline(t, q, &fakeTool{}, &fakeSynth{})

	j := claim(t, q, `{"script": "relax", "voice": {"provider": "openai", "id": "nova"}}`)
	require.NoError(t, p.Run(context.Background(), j))

	entries, err := os.ReadDir(p.TempRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunStartDelayPrependsSilence(t *testing.T) {
	q := newRecordingQueue()
	tool := &fakeTool{}
	p := newTestPipeline(t, q, tool, &fakeSynth{})

	j := claim(t, q, `{
		"script": "relax",
		"voice": {"provider": "openai", "id": "nova"},
		"durationMin": 5,
		"startDelaySec": 30
	}`)

	require.NoError(t, p.Run(context.Background(), j))

	// Voice target shrinks by the delay, floored at 30s.
	assert.Equal(t, 270.0, tool.loopTarget)

	require.Len(t, tool.concatIns, 1)
	require.Len(t, tool.concatIns[0], 2)
	assert.Equal(t, "start_delay.mp3", filepath.Base(tool.concatIns[0][0]))
}

func TestRunShortDurationFloorsVoiceTarget(t *testing.T) {
	q := newRecordingQueue()
	tool := &fakeTool{}
	p := newTestPipeline(t, q, tool, &fakeSynth{})

	j := claim(t, q, `{
		"script": "relax",
		"voice": {"provider": "openai", "id": "nova"},
		"durationMin": 1,
		"startDelaySec": 45
	}`)

	require.NoError(t, p.Run(context.Background(), j))
	assert.Equal(t, 30.0, tool.loopTarget, "voice target is floored at 30 seconds")
}

func TestRunLoopModeControlsVoiceRepetition(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{
			"loopMode true repeats the voice",
			`{"script": "relax", "voice": {"provider": "openai", "id": "nova"}, "loopMode": true}`,
			true,
		},
		{
			"loopMode false pads a single instance",
			`{"script": "relax", "voice": {"provider": "openai", "id": "nova"}, "loopMode": false}`,
			false,
		},
		{
			"loopMode absent defaults to padding",
			`{"script": "relax", "voice": {"provider": "openai", "id": "nova"}}`,
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newRecordingQueue()
			tool := &fakeTool{}
			p := newTestPipeline(t, q, tool, &fakeSynth{})

			j := claim(t, q, tt.payload)
			require.NoError(t, p.Run(context.Background(), j))
			assert.Equal(t, tt.want, tool.loopRepeat)
		})
	}
}

func TestRunProgressMonotonic(t *testing.T) {
	q := newRecordingQueue()
	p := newTestPipeline(t, q, &fakeTool{}, &fakeSynth{})

	j := claim(t, q, `{"script": "relax", "voice": {"provider": "openai", "id": "nova"}}`)
	require.NoError(t, p.Run(context.Background(), j))

	prev := -1
	for _, pct := range q.checkpoints {
		assert.GreaterOrEqual(t, pct, prev)
		prev = pct
	}
}

func TestRunRejectsNonSolfeggioFrequency(t *testing.T) {
	q := newRecordingQueue()
	p := newTestPipeline(t, q, &fakeTool{}, &fakeSynth{})

	j := claim(t, q, `{"solfeggio": {"enabled": true, "hz": 432}}`)
	err := p.Run(context.Background(), j)
	var valErr *job.ValidationError
	require.ErrorAs(t, err, &valErr)
}
