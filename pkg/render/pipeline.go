// Package render orchestrates one job through the staged synthesis
// pipeline: voice, background music, solfeggio and binaural tone layers,
// mix, fade, loudness normalization, upload.
//
// The pipeline owns the job's terminal transition. Run always ends in
// exactly one Complete or Fail on the queue, and the per-job temp
// directory is removed on every outcome.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/stillwave-audio/renderworker/pkg/audio"
	"github.com/stillwave-audio/renderworker/pkg/ffmpeg"
	"github.com/stillwave-audio/renderworker/pkg/job"
	"github.com/stillwave-audio/renderworker/pkg/queue"
	rwtrace "github.com/stillwave-audio/renderworker/pkg/trace"
	"github.com/stillwave-audio/renderworker/pkg/tts"
)

// ErrNoLayers is returned when every requested layer fell away and there
// is nothing to mix.
var ErrNoLayers = errors.New("render: no layers to mix")

// Stage checkpoints. The odd values mark a stage starting, the even-tens
// values mark it done; skipped layers report neither.
const (
	CheckpointValidated      = 5
	CheckpointVoiceDone      = 20
	CheckpointMusicStart     = 25
	CheckpointMusicDone      = 30
	CheckpointSolfeggioStart = 35
	CheckpointSolfeggioDone  = 40
	CheckpointBinauralStart  = 45
	CheckpointBinauralDone   = 50
	CheckpointMixStart       = 55
	CheckpointMixDone        = 70
	CheckpointFadeStart      = 75
	CheckpointFadeDone       = 80
	CheckpointNormalizeStart = 85
	CheckpointNormalizeDone  = 90
	CheckpointUploaded       = 95
)

// minVoiceTargetSec floors the looped-voice duration so a short script
// with a long start delay still produces audible repetitions.
const minVoiceTargetSec = 30.0

// JobQueue is the slice of the queue client the pipeline needs.
type JobQueue interface {
	UpdateProgress(ctx context.Context, jobID string, percent int, stage string) error
	Complete(ctx context.Context, jobID string, result json.RawMessage) error
	Fail(ctx context.Context, jobID, errorMessage string) error
	UploadRender(ctx context.Context, localPath, trackID, format string) (*queue.UploadResult, error)
	DownloadBackgroundMusic(ctx context.Context, srcURL, localPath string) error
	FinalizeTrack(ctx context.Context, trackID, storagePath string, durationMs int64) error
}

// AudioTool is the slice of the ffmpeg driver the pipeline needs.
type AudioTool interface {
	EncodePCM(ctx context.Context, pcm []byte, channels, sampleRate int, outPath string) error
	Mix(ctx context.Context, inputs []ffmpeg.MixInput, outPath string) error
	Fade(ctx context.Context, inPath string, fadeInMs, fadeOutMs int, outPath string) error
	Trim(ctx context.Context, inPath string, durationSec float64, outPath string) error
	Silence(ctx context.Context, durationSec float64, outPath string) error
	Concat(ctx context.Context, inPaths []string, outPath string) error
	Normalize(ctx context.Context, inPath string, targetLufs float64, outPath string) error
	PrepareMusic(ctx context.Context, inPath string, targetSec float64, fadeInMs, fadeOutMs int, outPath string) error
	LoopVoice(ctx context.Context, voicePath string, targetSec, pauseSec float64, loop bool, tempDir, outPath string) error
	ProbeDuration(ctx context.Context, path string) (int64, error)
}

// Pipeline renders one job at a time. Safe for reuse across jobs; not
// safe for concurrent Run calls with the same receiver only because jobs
// are serialized per environment by the runtime anyway.
type Pipeline struct {
	queue  JobQueue
	tool   AudioTool
	synths map[string]tts.Synthesizer
	logger *log.Logger

	// TempRoot overrides os.TempDir for per-job work directories.
	TempRoot string
}

// New constructs a pipeline. synths maps provider name to adapter.
func New(q JobQueue, tool AudioTool, synths map[string]tts.Synthesizer, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		queue:  q,
		tool:   tool,
		synths: synths,
		logger: logger.WithPrefix("render"),
	}
}

// Run renders the claimed job end to end and reports the terminal
// outcome to the queue. The returned error mirrors a Fail outcome for
// the caller's counters; a nil return means the job completed.
func (p *Pipeline) Run(ctx context.Context, j *job.Job) error {
	ctx, span := rwtrace.StartSpan(ctx, "render.job",
		trace.WithAttributes(rwtrace.JobAttrs(j.ID, j.TrackID, j.Attempts)...))
	defer span.End()

	logger := p.logger.With("job", j.ID, "track", j.TrackID)
	if traceID := rwtrace.TraceID(ctx); traceID != "" {
		logger = logger.With("trace", traceID)
	}

	err := p.render(ctx, j, logger)
	if err != nil {
		rwtrace.RecordError(span, err)
		logger.Error("render failed", "err", err)
		if failErr := p.queue.Fail(ctx, j.ID, err.Error()); failErr != nil {
			logger.Error("could not record failure", "err", failErr)
		}
		return err
	}
	return nil
}

// render does the actual staging. It calls Complete itself on success so
// the 100% transition happens before Run returns; every error path is
// left to Run's single Fail call.
func (p *Pipeline) render(ctx context.Context, j *job.Job, logger *log.Logger) error {
	payload, err := job.Decode(j.Payload)
	if err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	payload.Normalize()

	durationSec := payload.DurationSec()
	p.progress(ctx, j.ID, CheckpointValidated, "validate")
	logger.Info("render started", "duration_sec", durationSec, "attempt", j.Attempts)

	tempDir, err := os.MkdirTemp(p.TempRoot, "renderworker-"+j.ID+"-")
	if err != nil {
		return fmt.Errorf("render: temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	var layers []ffmpeg.MixInput

	if payload.HasVoice() {
		var voicePath string
		err := stageSpan(ctx, "voice", func(ctx context.Context) error {
			var stageErr error
			voicePath, stageErr = p.stageVoice(ctx, payload, durationSec, tempDir, logger)
			return stageErr
		})
		if err != nil {
			return err
		}
		layers = append(layers, ffmpeg.MixInput{Path: voicePath, GainDB: *payload.Gains.VoiceDB})
		p.progress(ctx, j.ID, CheckpointVoiceDone, "voice")
	}

	if payload.HasMusic() {
		p.progress(ctx, j.ID, CheckpointMusicStart, "music")
		var musicPath string
		err := stageSpan(ctx, "music", func(ctx context.Context) error {
			var stageErr error
			musicPath, stageErr = p.stageMusic(ctx, payload, durationSec, tempDir, logger)
			return stageErr
		})
		if err != nil {
			// A missing or unreachable music asset drops the layer, it
			// does not fail the job.
			logger.Warn("background music unavailable, continuing without it",
				"url", payload.BackgroundMusic.URL, "err", err)
		} else {
			layers = append(layers, ffmpeg.MixInput{Path: musicPath, GainDB: *payload.Gains.MusicDB})
		}
		p.progress(ctx, j.ID, CheckpointMusicDone, "music")
	}

	if payload.HasSolfeggio() {
		p.progress(ctx, j.ID, CheckpointSolfeggioStart, "solfeggio")
		var tonePath string
		err := stageSpan(ctx, "solfeggio", func(ctx context.Context) error {
			var stageErr error
			tonePath, stageErr = p.stageSolfeggio(ctx, payload, durationSec, tempDir)
			return stageErr
		})
		if err != nil {
			return err
		}
		// Tone level is baked into the sample amplitude.
		layers = append(layers, ffmpeg.MixInput{Path: tonePath, GainDB: 0})
		p.progress(ctx, j.ID, CheckpointSolfeggioDone, "solfeggio")
	}

	if payload.HasBinaural() {
		p.progress(ctx, j.ID, CheckpointBinauralStart, "binaural")
		var tonePath string
		err := stageSpan(ctx, "binaural", func(ctx context.Context) error {
			var stageErr error
			tonePath, stageErr = p.stageBinaural(ctx, payload, durationSec, tempDir, logger)
			return stageErr
		})
		if err != nil {
			return err
		}
		layers = append(layers, ffmpeg.MixInput{Path: tonePath, GainDB: 0})
		p.progress(ctx, j.ID, CheckpointBinauralDone, "binaural")
	}

	if len(layers) == 0 {
		return ErrNoLayers
	}

	p.progress(ctx, j.ID, CheckpointMixStart, "mix")
	mixedPath := filepath.Join(tempDir, "mixed.mp3")
	if err := stageSpan(ctx, "mix", func(ctx context.Context) error {
		return p.tool.Mix(ctx, layers, mixedPath)
	}); err != nil {
		return err
	}
	p.progress(ctx, j.ID, CheckpointMixDone, "mix")

	p.progress(ctx, j.ID, CheckpointFadeStart, "fade")
	fadedPath := filepath.Join(tempDir, "faded.mp3")
	if err := stageSpan(ctx, "fade", func(ctx context.Context) error {
		return p.tool.Fade(ctx, mixedPath, *payload.Fade.InMs, *payload.Fade.OutMs, fadedPath)
	}); err != nil {
		return err
	}
	p.progress(ctx, j.ID, CheckpointFadeDone, "fade")

	p.progress(ctx, j.ID, CheckpointNormalizeStart, "normalize")
	finalPath := filepath.Join(tempDir, "final.mp3")
	if err := stageSpan(ctx, "normalize", func(ctx context.Context) error {
		return p.tool.Normalize(ctx, fadedPath, *payload.Safety.TargetLufs, finalPath)
	}); err != nil {
		return err
	}
	p.progress(ctx, j.ID, CheckpointNormalizeDone, "normalize")

	var uploaded *queue.UploadResult
	if err := stageSpan(ctx, "upload", func(ctx context.Context) error {
		var upErr error
		uploaded, upErr = p.queue.UploadRender(ctx, finalPath, j.TrackID, "mp3")
		return upErr
	}); err != nil {
		return err
	}
	p.progress(ctx, j.ID, CheckpointUploaded, "upload")

	finalMs, err := p.tool.ProbeDuration(ctx, finalPath)
	if err != nil {
		return err
	}
	if err := p.queue.FinalizeTrack(ctx, j.TrackID, uploaded.StoragePath, finalMs); err != nil {
		return err
	}

	result, _ := json.Marshal(map[string]any{
		"storage_path": uploaded.StoragePath,
		"url":          uploaded.URL,
		"duration_ms":  finalMs,
		"layers":       len(layers),
	})
	if err := p.queue.Complete(ctx, j.ID, result); err != nil {
		return err
	}

	logger.Info("render completed", "layers", len(layers), "duration_ms", finalMs, "path", uploaded.StoragePath)
	return nil
}

// stageVoice synthesizes the script and fits it to the voice target
// duration, looping with pauses or padding a single instance depending
// on the payload's loop mode, then prepends start-delay silence.
func (p *Pipeline) stageVoice(ctx context.Context, payload *job.Payload, durationSec float64, tempDir string, logger *log.Logger) (string, error) {
	synth, ok := p.synths[payload.Voice.Provider]
	if !ok {
		return "", fmt.Errorf("render: no synthesizer for provider %q", payload.Voice.Provider)
	}

	rawPath := filepath.Join(tempDir, "voice_raw.mp3")
	var res *tts.Result
	err := rwtrace.WithSpan(ctx, "render.tts", func(ctx context.Context) error {
		var synthErr error
		res, synthErr = synth.Synthesize(ctx, tts.Request{
			Text:    payload.Script,
			VoiceID: payload.Voice.ID,
			Model:   payload.Voice.Model,
			Speed:   payload.Voice.Speed,
			OutPath: rawPath,
		})
		return synthErr
	}, trace.WithAttributes(rwtrace.TTSAttrs(payload.Voice.Provider, payload.Voice.ID)...))
	if err != nil {
		return "", err
	}
	logger.Debug("voice synthesized", "provider", synth.Name(), "estimated_sec", res.EstimatedSec)

	voiceTargetSec := math.Max(durationSec-payload.StartDelaySec, minVoiceTargetSec)
	loopedPath := filepath.Join(tempDir, "voice_looped.mp3")
	if err := p.tool.LoopVoice(ctx, rawPath, voiceTargetSec, payload.PauseSec, payload.LoopMode, tempDir, loopedPath); err != nil {
		return "", err
	}

	if payload.StartDelaySec <= 0 {
		return loopedPath, nil
	}

	delayPath := filepath.Join(tempDir, "start_delay.mp3")
	if err := p.tool.Silence(ctx, payload.StartDelaySec, delayPath); err != nil {
		return "", err
	}
	voicePath := filepath.Join(tempDir, "voice.mp3")
	if err := p.tool.Concat(ctx, []string{delayPath, loopedPath}, voicePath); err != nil {
		return "", err
	}
	return voicePath, nil
}

// stageMusic downloads the referenced asset and fits it to the track
// duration with fades.
func (p *Pipeline) stageMusic(ctx context.Context, payload *job.Payload, durationSec float64, tempDir string, logger *log.Logger) (string, error) {
	srcPath := filepath.Join(tempDir, "music_src.mp3")
	if err := p.queue.DownloadBackgroundMusic(ctx, payload.BackgroundMusic.URL, srcPath); err != nil {
		return "", err
	}
	logger.Debug("music downloaded", "url", payload.BackgroundMusic.URL)

	musicPath := filepath.Join(tempDir, "music.mp3")
	if err := p.tool.PrepareMusic(ctx, srcPath, durationSec, *payload.Fade.InMs, *payload.Fade.OutMs, musicPath); err != nil {
		return "", err
	}
	return musicPath, nil
}

// stageSolfeggio generates the pure tone layer at full track length.
func (p *Pipeline) stageSolfeggio(ctx context.Context, payload *job.Payload, durationSec float64, tempDir string) (string, error) {
	amp := audio.DBToLinear(*payload.Solfeggio.VolumeDB)
	mono := audio.SineMono(payload.Solfeggio.Hz, durationSec, audio.DefaultSampleRate, amp)
	pcm := audio.MonoToStereo(mono)

	tonePath := filepath.Join(tempDir, "solfeggio.mp3")
	if err := p.tool.EncodePCM(ctx, pcm, 2, audio.DefaultSampleRate, tonePath); err != nil {
		return "", err
	}
	return tonePath, nil
}

// stageBinaural generates the independent-channel beat layer at full
// track length.
func (p *Pipeline) stageBinaural(ctx context.Context, payload *job.Payload, durationSec float64, tempDir string, logger *log.Logger) (string, error) {
	carrier, leftHz, rightHz := payload.ResolveBinaural()
	logger.Debug("binaural resolved", "carrier", carrier, "left", leftHz, "right", rightHz)

	amp := audio.DBToLinear(*payload.Binaural.VolumeDB)
	pcm := audio.SineStereo(leftHz, rightHz, durationSec, audio.DefaultSampleRate, amp)

	tonePath := filepath.Join(tempDir, "binaural.mp3")
	if err := p.tool.EncodePCM(ctx, pcm, 2, audio.DefaultSampleRate, tonePath); err != nil {
		return "", err
	}
	return tonePath, nil
}

// progress reports a checkpoint. Best-effort; the store enforces
// monotonicity and a dropped update only costs UI fidelity.
func (p *Pipeline) progress(ctx context.Context, jobID string, percent int, stage string) {
	_ = p.queue.UpdateProgress(ctx, jobID, percent, stage)
}

// stageSpan runs fn inside a child span named after the pipeline stage.
func stageSpan(ctx context.Context, stage string, fn func(context.Context) error) error {
	return rwtrace.WithSpan(ctx, "render."+stage, fn,
		trace.WithAttributes(rwtrace.StageAttrs(stage)...))
}
