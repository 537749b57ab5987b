package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

const (
	elevenLabsEndpoint     = "https://api.elevenlabs.io/v1/text-to-speech"
	elevenLabsDefaultModel = "eleven_multilingual_v2"
	elevenLabsOutputFormat = "mp3_44100_192"

	// Native speed range of the ElevenLabs voice settings. Outside it the
	// adapter synthesizes at 1.0 and applies a tempo filter afterwards.
	elevenLabsMinSpeed = 0.7
	elevenLabsMaxSpeed = 1.2
)

// ElevenLabs synthesizes speech through the ElevenLabs HTTP API.
type ElevenLabs struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	stretcher  TimeStretcher
}

// NewElevenLabs creates the ElevenLabs adapter. stretcher handles speeds
// outside the provider's native range and may be nil if callers guarantee
// in-range speeds.
func NewElevenLabs(apiKey string, stretcher TimeStretcher) *ElevenLabs {
	return &ElevenLabs{
		apiKey:     apiKey,
		endpoint:   elevenLabsEndpoint,
		httpClient: &http.Client{},
		stretcher:  stretcher,
	}
}

// Name returns the provider name.
func (p *ElevenLabs) Name() string {
	return "elevenlabs"
}

type elevenLabsRequestBody struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// Synthesize converts text to an MP3 file via the ElevenLabs API.
func (p *ElevenLabs) Synthesize(ctx context.Context, req Request) (*Result, error) {
	if p.apiKey == "" {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("ELEVENLABS_API_KEY is not set")}
	}
	if req.VoiceID == "" {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("voice id is required")}
	}

	speed := req.Speed
	if speed == 0 {
		speed = 1.0
	}

	nativeSpeed := speed
	needStretch := speed < elevenLabsMinSpeed || speed > elevenLabsMaxSpeed
	if needStretch {
		if p.stretcher == nil {
			return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("speed %g outside native range and no time-stretcher configured", speed)}
		}
		nativeSpeed = 1.0
	}

	model := req.Model
	if model == "" {
		model = elevenLabsDefaultModel
	}

	body := elevenLabsRequestBody{
		Text:    req.Text,
		ModelID: model,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           nativeSpeed,
		},
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tts elevenlabs: marshal request: %w", err)
	}

	params := url.Values{}
	params.Set("output_format", elevenLabsOutputFormat)
	requestURL := fmt.Sprintf("%s/%s?%s", p.endpoint, url.PathEscape(req.VoiceID), params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("tts elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &ProviderError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", string(msg)),
		}
	}

	rawPath := req.OutPath
	if needStretch {
		rawPath = req.OutPath + ".native.mp3"
	}
	if err := writeBody(resp.Body, rawPath); err != nil {
		return nil, err
	}

	if needStretch {
		if err := p.stretcher.TimeStretch(ctx, rawPath, speed, req.OutPath); err != nil {
			return nil, fmt.Errorf("tts elevenlabs: time-stretch to speed %g: %w", speed, err)
		}
		os.Remove(rawPath)
	}

	return &Result{
		Path:         req.OutPath,
		EstimatedSec: EstimateDuration(req.Text, speed),
	}, nil
}

func writeBody(body io.Reader, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tts elevenlabs: create %s: %w", path, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, body); err != nil {
		return fmt.Errorf("tts elevenlabs: write %s: %w", path, err)
	}
	return nil
}

var _ Synthesizer = (*ElevenLabs)(nil)
