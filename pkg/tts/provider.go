// Package tts provides a uniform interface over text-to-speech providers.
//
// Each provider turns script text plus voice parameters into a compressed
// audio file on disk. The returned duration is an estimate for telemetry
// only; the pipeline always re-probes the real duration of the file.
//
// Providers do not retry. Whether a failed synthesis is retried is the
// pipeline's decision.
package tts

import (
	"context"
	"fmt"
	"strings"
)

// Request is a synthesis request. OutPath is where the provider writes
// the compressed audio.
type Request struct {
	Text    string
	VoiceID string
	Model   string  // provider-specific, optional
	Speed   float64 // 0.25..4.0, 0 means 1.0
	OutPath string
}

// Result describes the synthesized file.
type Result struct {
	Path         string
	EstimatedSec float64 // word-count estimate, telemetry only
}

// Synthesizer is implemented by every TTS provider adapter.
type Synthesizer interface {
	// Name returns the provider name ("openai", "elevenlabs").
	Name() string

	// Synthesize converts text to a compressed audio file at req.OutPath.
	Synthesize(ctx context.Context, req Request) (*Result, error)
}

// TimeStretcher applies a pitch-preserving tempo change. Providers without
// native speed control use it for speeds outside their range.
type TimeStretcher interface {
	TimeStretch(ctx context.Context, inPath string, factor float64, outPath string) error
}

// ProviderError reports a provider failure: HTTP non-2xx, missing
// credential, or unknown voice.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when the failure was not an HTTP response
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tts %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("tts %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// wordsPerMinute is the speech-rate assumption behind EstimateDuration.
const wordsPerMinute = 150.0

// EstimateDuration estimates spoken duration in seconds from word count
// and speed. Used only for telemetry.
func EstimateDuration(text string, speed float64) float64 {
	if speed <= 0 {
		speed = 1.0
	}
	words := len(strings.Fields(text))
	return float64(words) / wordsPerMinute * 60 / speed
}
