package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// TruePeakCeiling is the mastering true-peak ceiling in dBTP.
	TruePeakCeiling = -1.5

	// LoudnessRange is the loudnorm LRA parameter.
	LoudnessRange = 11.0
)

// loudnormStats is the JSON block the loudnorm filter prints on the
// measurement pass.
type loudnormStats struct {
	InputI      string `json:"input_i"`
	InputTP     string `json:"input_tp"`
	InputLRA    string `json:"input_lra"`
	InputThresh string `json:"input_thresh"`
	TargetOffset string `json:"target_offset"`
}

// Normalize performs two-pass EBU R128 loudness normalization to
// targetLufs with a -1.5 dBTP true-peak ceiling. The first pass measures,
// the second applies with the measured values in linear mode.
func (d *Driver) Normalize(ctx context.Context, inPath string, targetLufs float64, outPath string) error {
	measure := fmt.Sprintf("loudnorm=I=%.1f:TP=%.1f:LRA=%.1f:print_format=json",
		targetLufs, TruePeakCeiling, LoudnessRange)

	stderr, err := d.runCapture(ctx, "normalize-measure",
		"-i", inPath,
		"-af", measure,
		"-f", "null", "-")
	if err != nil {
		return err
	}

	stats, err := parseLoudnormStats(stderr)
	if err != nil {
		d.logf().Warn("loudnorm measurement unparseable, falling back to single pass", "err", err)
		return d.normalizeSinglePass(ctx, inPath, targetLufs, outPath)
	}

	apply := fmt.Sprintf(
		"loudnorm=I=%.1f:TP=%.1f:LRA=%.1f:measured_I=%s:measured_TP=%s:measured_LRA=%s:measured_thresh=%s:offset=%s:linear=true",
		targetLufs, TruePeakCeiling, LoudnessRange,
		stats.InputI, stats.InputTP, stats.InputLRA, stats.InputThresh, stats.TargetOffset)

	args := []string{
		"-i", inPath,
		"-af", apply,
		"-c:a", "libmp3lame",
		"-b:a", Bitrate,
		"-ar", fmt.Sprint(SampleRate),
		outPath,
	}
	return d.run(ctx, "normalize", nil, args...)
}

func (d *Driver) normalizeSinglePass(ctx context.Context, inPath string, targetLufs float64, outPath string) error {
	af := fmt.Sprintf("loudnorm=I=%.1f:TP=%.1f:LRA=%.1f", targetLufs, TruePeakCeiling, LoudnessRange)
	args := []string{
		"-i", inPath,
		"-af", af,
		"-c:a", "libmp3lame",
		"-b:a", Bitrate,
		"-ar", fmt.Sprint(SampleRate),
		outPath,
	}
	return d.run(ctx, "normalize", nil, args...)
}

// parseLoudnormStats extracts the trailing JSON block loudnorm writes to
// stderr on the measurement pass.
func parseLoudnormStats(stderr string) (*loudnormStats, error) {
	start := strings.LastIndex(stderr, "{")
	end := strings.LastIndex(stderr, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no loudnorm JSON in tool output")
	}

	var stats loudnormStats
	if err := json.Unmarshal([]byte(stderr[start:end+1]), &stats); err != nil {
		return nil, fmt.Errorf("parse loudnorm stats: %w", err)
	}
	if stats.InputI == "" {
		return nil, fmt.Errorf("loudnorm stats missing input_i")
	}
	return &stats, nil
}
