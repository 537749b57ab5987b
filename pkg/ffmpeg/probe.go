package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// probeResult is the subset of ffprobe -print_format json output the
// driver consumes.
type probeResult struct {
	Streams []struct {
		CodecType     string `json:"codec_type"`
		Channels      int    `json:"channels"`
		ChannelLayout string `json:"channel_layout"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (d *Driver) probe(ctx context.Context, path string) (*probeResult, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type,channels,channel_layout",
		"-print_format", "json",
		path,
	}

	cmd := exec.CommandContext(ctx, d.probeBinary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, newProcessError("probe", args, stderr.Bytes(), err)
	}

	var res probeResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("ffmpeg: parse probe output for %s: %w", path, err)
	}
	return &res, nil
}

// ProbeDuration returns the container duration in milliseconds.
func (d *Driver) ProbeDuration(ctx context.Context, path string) (int64, error) {
	res, err := d.probe(ctx, path)
	if err != nil {
		return 0, err
	}

	sec, err := strconv.ParseFloat(strings.TrimSpace(res.Format.Duration), 64)
	if err != nil {
		return 0, fmt.Errorf("ffmpeg: parse duration %q for %s: %w", res.Format.Duration, path, err)
	}
	return int64(sec * 1000), nil
}

// ChannelInfo describes the audio stream layout of a file.
type ChannelInfo struct {
	Channels int
	IsStereo bool
}

// ProbeChannels returns the channel layout of the first audio stream.
func (d *Driver) ProbeChannels(ctx context.Context, path string) (ChannelInfo, error) {
	res, err := d.probe(ctx, path)
	if err != nil {
		return ChannelInfo{}, err
	}

	for _, s := range res.Streams {
		if s.CodecType != "audio" {
			continue
		}
		return ChannelInfo{
			Channels: s.Channels,
			IsStereo: s.Channels == 2 || s.ChannelLayout == "stereo",
		}, nil
	}
	return ChannelInfo{}, fmt.Errorf("ffmpeg: no audio stream in %s", path)
}
