// Package ffmpeg wraps the external ffmpeg/ffprobe tools behind a
// synchronous file-to-file driver.
//
// Every operation runs one subprocess and returns after it exits; no
// process is reused. Tone material enters as raw PCM over stdin rather
// than through synthesis filters, because filter availability differs
// between tool builds (Detect records what the local build supports).
//
// Main operations:
//   - EncodePCM: raw PCM16 -> 192 kbit/s MP3, 44.1 kHz stereo
//   - Mix, Fade, Trim, Concat, Silence, TimeStretch
//   - PrepareMusic, LoopVoice: duration-fitting composites
//   - Normalize: two-pass EBU R128 loudness normalization
//   - ProbeDuration, ProbeChannels
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// SampleRate is the output sample rate for every encode.
	SampleRate = 44100

	// Bitrate is the MP3 output bitrate.
	Bitrate = "192k"

	// opTimeout caps a single tool invocation. Long enough for a 30-minute
	// normalize pass on slow disks.
	opTimeout = 10 * time.Minute
)

// Capabilities records what the local tool build supports, probed once at
// startup.
type Capabilities struct {
	FFmpegVersion string
	HasLoudnorm   bool
	HasATempo     bool
	HasAMix       bool
}

// Driver runs ffmpeg/ffprobe subprocesses. Construct with Detect; the zero
// value uses "ffmpeg"/"ffprobe" from PATH and assumes full filter support.
type Driver struct {
	ffmpegPath  string
	ffprobePath string
	caps        Capabilities
	logger      *log.Logger
}

// Detect locates ffmpeg and ffprobe and probes filter availability.
// Returns ErrNotFound when either binary is missing.
func Detect(ctx context.Context, logger *log.Logger) (*Driver, error) {
	if logger == nil {
		logger = log.Default()
	}

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: %v", ErrNotFound, err)
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe: %v", ErrNotFound, err)
	}

	d := &Driver{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      logger.WithPrefix("ffmpeg"),
	}

	out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-filters").Output()
	if err != nil {
		// A build that cannot list filters is still usable; assume the
		// common filters and let individual operations surface failures.
		d.logger.Warn("filter probe failed, assuming full support", "err", err)
		d.caps = Capabilities{HasLoudnorm: true, HasATempo: true, HasAMix: true}
		return d, nil
	}

	filters := string(out)
	d.caps = Capabilities{
		HasLoudnorm: strings.Contains(filters, " loudnorm "),
		HasATempo:   strings.Contains(filters, " atempo "),
		HasAMix:     strings.Contains(filters, " amix "),
	}
	if ver, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output(); err == nil {
		if line, _, ok := strings.Cut(string(ver), "\n"); ok {
			d.caps.FFmpegVersion = strings.TrimSpace(line)
		}
	}

	d.logger.Info("detected tool",
		"version", d.caps.FFmpegVersion,
		"loudnorm", d.caps.HasLoudnorm,
		"atempo", d.caps.HasATempo,
		"amix", d.caps.HasAMix)
	return d, nil
}

// Capabilities returns the probed tool capabilities.
func (d *Driver) Capabilities() Capabilities {
	return d.caps
}

func (d *Driver) binary() string {
	if d.ffmpegPath == "" {
		return "ffmpeg"
	}
	return d.ffmpegPath
}

func (d *Driver) probeBinary() string {
	if d.ffprobePath == "" {
		return "ffprobe"
	}
	return d.ffprobePath
}

func (d *Driver) logf() *log.Logger {
	if d.logger == nil {
		return log.Default().WithPrefix("ffmpeg")
	}
	return d.logger
}

// run executes ffmpeg with the given arguments, feeding stdin if non-nil.
// Returns a ProcessError carrying the stderr tail on non-zero exit.
func (d *Driver) run(ctx context.Context, op string, stdin []byte, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	full := append([]string{"-hide_banner", "-y"}, args...)
	cmd := exec.CommandContext(ctx, d.binary(), full...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	d.logf().Debug("run", "op", op, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return newProcessError(op, full, stderr.Bytes(), err)
	}
	return nil
}

// runCapture executes ffmpeg and returns stderr, which is where ffmpeg
// writes filter reports (loudnorm stats among them).
func (d *Driver) runCapture(ctx context.Context, op string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	full := append([]string{"-hide_banner", "-y"}, args...)
	cmd := exec.CommandContext(ctx, d.binary(), full...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	d.logf().Debug("run", "op", op, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return stderr.String(), newProcessError(op, full, stderr.Bytes(), err)
	}
	return stderr.String(), nil
}

// EncodePCM encodes raw interleaved PCM16 little-endian samples to a
// 192 kbit/s 44.1 kHz stereo MP3 file. The PCM is piped over stdin, so no
// synthesis filter support is required of the tool build.
func (d *Driver) EncodePCM(ctx context.Context, pcm []byte, channels, sampleRate int, outPath string) error {
	args := []string{
		"-f", "s16le",
		"-ar", fmt.Sprint(sampleRate),
		"-ac", fmt.Sprint(channels),
		"-i", "pipe:0",
		"-c:a", "libmp3lame",
		"-b:a", Bitrate,
		"-ar", fmt.Sprint(SampleRate),
		"-ac", "2",
		outPath,
	}
	return d.run(ctx, "encode-pcm", pcm, args...)
}
