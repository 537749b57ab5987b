package tts

import (
	"context"
	"fmt"
	"io"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

const (
	openAIDefaultModel = "tts-1"
	openAIDefaultVoice = "alloy"

	// OpenAI accepts speed natively across the full payload range.
	openAIMinSpeed = 0.25
	openAIMaxSpeed = 4.0
)

// OpenAI synthesizes speech through the OpenAI audio/speech endpoint.
type OpenAI struct {
	client *openai.Client
	apiKey string
}

// NewOpenAI creates the OpenAI adapter. The key may be empty; Synthesize
// reports a ProviderError in that case rather than at construction, so a
// worker with only ElevenLabs configured still starts.
func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{
		client: openai.NewClient(apiKey),
		apiKey: apiKey,
	}
}

// Name returns the provider name.
func (p *OpenAI) Name() string {
	return "openai"
}

// Synthesize converts text to an MP3 file via the OpenAI API.
func (p *OpenAI) Synthesize(ctx context.Context, req Request) (*Result, error) {
	if p.apiKey == "" {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("OPENAI_API_KEY is not set")}
	}

	voice := req.VoiceID
	if voice == "" {
		voice = openAIDefaultVoice
	}
	model := req.Model
	if model == "" {
		model = openAIDefaultModel
	}
	speed := req.Speed
	if speed == 0 {
		speed = 1.0
	}
	if speed < openAIMinSpeed || speed > openAIMaxSpeed {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("speed %g out of range [%g, %g]", speed, openAIMinSpeed, openAIMaxSpeed)}
	}

	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          speed,
	})
	if err != nil {
		status := 0
		if apiErr, ok := err.(*openai.APIError); ok {
			status = apiErr.HTTPStatusCode
		}
		return nil, &ProviderError{Provider: p.Name(), StatusCode: status, Err: err}
	}
	defer resp.Close()

	out, err := os.Create(req.OutPath)
	if err != nil {
		return nil, fmt.Errorf("tts openai: create %s: %w", req.OutPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp); err != nil {
		return nil, fmt.Errorf("tts openai: write %s: %w", req.OutPath, err)
	}

	return &Result{
		Path:         req.OutPath,
		EstimatedSec: EstimateDuration(req.Text, speed),
	}, nil
}

var _ Synthesizer = (*OpenAI)(nil)
