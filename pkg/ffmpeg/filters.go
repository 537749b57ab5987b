package ffmpeg

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

// MixInput is one layer in a Mix call.
type MixInput struct {
	Path   string
	GainDB float64
}

// Mix sums the inputs with per-input gain, duration=longest, forcing a
// stereo layout, and encodes the result. A single input degenerates to
// gain plus format conversion.
func (d *Driver) Mix(ctx context.Context, inputs []MixInput, outPath string) error {
	if len(inputs) == 0 {
		return newProcessError("mix", nil, nil, fmt.Errorf("no inputs"))
	}

	var args []string
	for _, in := range inputs {
		args = append(args, "-i", in.Path)
	}

	var graph strings.Builder
	for i, in := range inputs {
		fmt.Fprintf(&graph, "[%d:a]volume=%.2fdB,aformat=channel_layouts=stereo:sample_rates=%d[a%d];",
			i, in.GainDB, SampleRate, i)
	}
	if len(inputs) == 1 {
		graph.WriteString("[a0]anull[out]")
	} else {
		for i := range inputs {
			fmt.Fprintf(&graph, "[a%d]", i)
		}
		fmt.Fprintf(&graph, "amix=inputs=%d:duration=longest:normalize=0[out]", len(inputs))
	}

	args = append(args,
		"-filter_complex", graph.String(),
		"-map", "[out]",
		"-c:a", "libmp3lame",
		"-b:a", Bitrate,
		"-ar", fmt.Sprint(SampleRate),
		"-ac", "2",
		outPath,
	)
	return d.run(ctx, "mix", nil, args...)
}

// Fade applies a linear fade-in from the start and a fade-out ending at
// the end of the file. Durations are milliseconds.
func (d *Driver) Fade(ctx context.Context, inPath string, fadeInMs, fadeOutMs int, outPath string) error {
	durMs, err := d.ProbeDuration(ctx, inPath)
	if err != nil {
		return err
	}

	var parts []string
	if fadeInMs > 0 {
		parts = append(parts, fmt.Sprintf("afade=t=in:st=0:d=%.3f", float64(fadeInMs)/1000))
	}
	if fadeOutMs > 0 {
		start := math.Max(0, float64(durMs-int64(fadeOutMs))/1000)
		parts = append(parts, fmt.Sprintf("afade=t=out:st=%.3f:d=%.3f", start, float64(fadeOutMs)/1000))
	}
	if len(parts) == 0 {
		parts = append(parts, "anull")
	}

	args := []string{
		"-i", inPath,
		"-af", strings.Join(parts, ","),
		"-c:a", "libmp3lame",
		"-b:a", Bitrate,
		outPath,
	}
	return d.run(ctx, "fade", nil, args...)
}

// Trim cuts the input to exactly durationSec seconds, re-encoding for
// sample accuracy.
func (d *Driver) Trim(ctx context.Context, inPath string, durationSec float64, outPath string) error {
	args := []string{
		"-i", inPath,
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-c:a", "libmp3lame",
		"-b:a", Bitrate,
		outPath,
	}
	return d.run(ctx, "trim", nil, args...)
}

// Silence writes durationSec of stereo silence at the pipeline codec and
// rate. The silence is generated programmatically and piped in as PCM, so
// no lavfi source is required of the tool build.
func (d *Driver) Silence(ctx context.Context, durationSec float64, outPath string) error {
	samples := int(durationSec * SampleRate)
	pcm := make([]byte, samples*4) // 2 channels x 2 bytes, all zero
	return d.EncodePCM(ctx, pcm, 2, SampleRate, outPath)
}

// Concat joins the inputs sample-accurately via the concat filter (not
// stream copy, which drifts across MP3 frame boundaries).
func (d *Driver) Concat(ctx context.Context, inPaths []string, outPath string) error {
	if len(inPaths) == 0 {
		return newProcessError("concat", nil, nil, fmt.Errorf("no inputs"))
	}
	if len(inPaths) == 1 {
		args := []string{"-i", inPaths[0], "-c:a", "libmp3lame", "-b:a", Bitrate, outPath}
		return d.run(ctx, "concat", nil, args...)
	}

	var args []string
	for _, p := range inPaths {
		args = append(args, "-i", p)
	}

	var graph strings.Builder
	for i := range inPaths {
		fmt.Fprintf(&graph, "[%d:a]", i)
	}
	fmt.Fprintf(&graph, "concat=n=%d:v=0:a=1[out]", len(inPaths))

	args = append(args,
		"-filter_complex", graph.String(),
		"-map", "[out]",
		"-c:a", "libmp3lame",
		"-b:a", Bitrate,
		outPath,
	)
	return d.run(ctx, "concat", nil, args...)
}

// TimeStretch changes tempo without changing pitch. atempo accepts
// 0.5..2.0 per instance, so out-of-range factors are decomposed into a
// chain.
func (d *Driver) TimeStretch(ctx context.Context, inPath string, factor float64, outPath string) error {
	if factor <= 0 {
		return newProcessError("atempo", nil, nil, fmt.Errorf("non-positive factor %v", factor))
	}

	args := []string{
		"-i", inPath,
		"-af", strings.Join(atempoChain(factor), ","),
		"-c:a", "libmp3lame",
		"-b:a", Bitrate,
		outPath,
	}
	return d.run(ctx, "atempo", nil, args...)
}

// atempoChain decomposes a tempo factor into filter instances within
// atempo's 0.5..2.0 per-instance range.
func atempoChain(factor float64) []string {
	var stages []string
	f := factor
	for f > 2.0 {
		stages = append(stages, "atempo=2.0")
		f /= 2.0
	}
	for f < 0.5 {
		stages = append(stages, "atempo=0.5")
		f /= 0.5
	}
	return append(stages, fmt.Sprintf("atempo=%.4f", f))
}

// PrepareMusic fits a background-music source to exactly targetSec with
// fades. A source at least as long as the target is trimmed; a shorter
// source is looped indefinitely by the demuxer and truncated, so loop
// seams stay inside the continuous decoded signal.
func (d *Driver) PrepareMusic(ctx context.Context, inPath string, targetSec float64, fadeInMs, fadeOutMs int, outPath string) error {
	durMs, err := d.ProbeDuration(ctx, inPath)
	if err != nil {
		return err
	}

	fadeOutStart := math.Max(0, targetSec-float64(fadeOutMs)/1000)
	af := fmt.Sprintf("afade=t=in:st=0:d=%.3f,afade=t=out:st=%.3f:d=%.3f",
		float64(fadeInMs)/1000, fadeOutStart, float64(fadeOutMs)/1000)

	args := []string{}
	if float64(durMs)/1000 < targetSec {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args,
		"-i", inPath,
		"-t", fmt.Sprintf("%.3f", targetSec),
		"-af", af,
		"-c:a", "libmp3lame",
		"-b:a", Bitrate,
		"-ar", fmt.Sprint(SampleRate),
		"-ac", "2",
		outPath,
	)
	return d.run(ctx, "prepare-music", nil, args...)
}

// LoopVoice fits a voice recording to exactly targetSec. A recording at
// least as long as the target is only trimmed. A shorter one is repeated
// with pauseSec of silence between repetitions when loop is true, or
// padded with trailing silence as a single instance when it is false;
// either way the result is trimmed to the exact target.
func (d *Driver) LoopVoice(ctx context.Context, voicePath string, targetSec, pauseSec float64, loop bool, tempDir, outPath string) error {
	durMs, err := d.ProbeDuration(ctx, voicePath)
	if err != nil {
		return err
	}
	voiceSec := float64(durMs) / 1000

	if voiceSec >= targetSec {
		return d.Trim(ctx, voicePath, targetSec, outPath)
	}

	if !loop {
		padPath := filepath.Join(tempDir, "voice_pad.mp3")
		if err := d.Silence(ctx, targetSec-voiceSec, padPath); err != nil {
			return err
		}
		paddedPath := filepath.Join(tempDir, "voice_padded_raw.mp3")
		if err := d.Concat(ctx, []string{voicePath, padPath}, paddedPath); err != nil {
			return err
		}
		return d.Trim(ctx, paddedPath, targetSec, outPath)
	}

	silencePath := filepath.Join(tempDir, "pause.mp3")
	if err := d.Silence(ctx, pauseSec, silencePath); err != nil {
		return err
	}

	parts := loopSequence(voicePath, silencePath, loopReps(voiceSec, pauseSec, targetSec))
	concatPath := filepath.Join(tempDir, "voice_looped_raw.mp3")
	if err := d.Concat(ctx, parts, concatPath); err != nil {
		return err
	}
	return d.Trim(ctx, concatPath, targetSec, outPath)
}

// loopReps returns how many voice+pause cycles cover targetSec, at least
// one. The concatenation always runs long and is trimmed back, so the
// count is the ceiling of target over the cycle length.
func loopReps(voiceSec, pauseSec, targetSec float64) int {
	cycle := voiceSec + pauseSec
	if cycle <= 0 {
		return 1
	}
	reps := int(math.Ceil(targetSec / cycle))
	if reps < 1 {
		reps = 1
	}
	return reps
}

// loopSequence builds the alternating voice/pause concat input list.
func loopSequence(voicePath, silencePath string, reps int) []string {
	parts := make([]string, 0, reps*2)
	for i := 0; i < reps; i++ {
		parts = append(parts, voicePath, silencePath)
	}
	return parts
}
