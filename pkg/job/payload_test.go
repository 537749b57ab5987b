package job

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestDecodeVoiceOnlyPayload(t *testing.T) {
	raw := json.RawMessage(`{
		"durationMin": 1,
		"voice": {"provider": "openai", "id": "nova"},
		"script": "Breathe in.",
		"pauseSec": 5,
		"loopMode": true
	}`)

	p, err := Decode(raw)
	require.NoError(t, err)
	p.Normalize()

	assert.True(t, p.HasVoice())
	assert.False(t, p.HasMusic())
	assert.False(t, p.HasSolfeggio())
	assert.False(t, p.HasBinaural())
	assert.Equal(t, 60.0, p.DurationSec())
	assert.Equal(t, 5.0, p.PauseSec)
	assert.True(t, p.LoopMode)
	assert.Equal(t, 1.0, p.Voice.Speed)
}

func TestDecodeFullStackPayload(t *testing.T) {
	raw := json.RawMessage(`{
		"durationMin": 5,
		"voice": {"provider": "openai", "id": "alloy"},
		"script": "Relax.",
		"pauseSec": 10,
		"backgroundMusic": {"url": "s3://bucket/calm.mp3"},
		"solfeggio": {"enabled": true, "hz": 528},
		"binaural": {"enabled": true, "band": "alpha"},
		"gains": {"voiceDb": 0, "musicDb": -12, "solfeggioDb": -18, "binauralDb": -20}
	}`)

	p, err := Decode(raw)
	require.NoError(t, err)
	p.Normalize()
	require.NoError(t, p.Validate())

	assert.Equal(t, 300.0, p.DurationSec())
	// Explicit 0 dB must survive normalization, not collapse to the default.
	assert.Equal(t, 0.0, *p.Gains.VoiceDB)
	assert.Equal(t, -12.0, *p.Gains.MusicDB)

	_, left, right := p.ResolveBinaural()
	assert.Equal(t, 195.0, left)
	assert.Equal(t, 205.0, right)
}

func TestNormalizeDefaults(t *testing.T) {
	p := (&Payload{Solfeggio: &SolfeggioSpec{Enabled: true, Hz: 528}}).Normalize()

	assert.Equal(t, DefaultVoiceDB, *p.Gains.VoiceDB)
	assert.Equal(t, DefaultMusicDB, *p.Gains.MusicDB)
	assert.Equal(t, DefaultSolfeggioDB, *p.Gains.SolfeggioDB)
	assert.Equal(t, DefaultBinauralDB, *p.Gains.BinauralDB)
	assert.Equal(t, DefaultFadeInMs, *p.Fade.InMs)
	assert.Equal(t, DefaultFadeOutMs, *p.Fade.OutMs)
	assert.Equal(t, DefaultTargetLufs, *p.Safety.TargetLufs)
	assert.Equal(t, DefaultSolfeggioDB, *p.Solfeggio.VolumeDB)
	assert.Equal(t, 300.0, p.DurationSec(), "default duration is 5 minutes")
}

func TestDurationPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantSec float64
	}{
		{"durationMin wins", Payload{DurationMin: f(2), LegacyDuration: f(10)}, 120},
		{"legacy duration", Payload{LegacyDuration: f(3)}, 180},
		{"default", Payload{}, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantSec, tt.payload.DurationSec())
		})
	}
}

func TestResolveBinaural(t *testing.T) {
	tests := []struct {
		name        string
		binaural    *BinauralSpec
		wantCarrier float64
		wantLeft    float64
		wantRight   float64
	}{
		{"explicit frequencies", &BinauralSpec{Enabled: true, CarrierHz: f(400), BeatHz: f(6)}, 400, 397, 403},
		{"band theta", &BinauralSpec{Enabled: true, Band: "theta"}, 200, 197, 203},
		{"band gamma", &BinauralSpec{Enabled: true, Band: "gamma"}, 200, 180, 220},
		{"explicit beats band", &BinauralSpec{Enabled: true, Band: "delta", BeatHz: f(40)}, 200, 180, 220},
		{"unknown band falls back", &BinauralSpec{Enabled: true, Band: "zeta"}, 200, 195, 205},
		{"nothing given", nil, 200, 195, 205},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Payload{Binaural: tt.binaural}
			carrier, left, right := p.ResolveBinaural()
			assert.Equal(t, tt.wantCarrier, carrier)
			assert.Equal(t, tt.wantLeft, left)
			assert.Equal(t, tt.wantRight, right)
		})
	}
}

func TestValidateRejectsNoSources(t *testing.T) {
	p, err := Decode(json.RawMessage(`{"durationMin": 10}`))
	require.NoError(t, err)

	err = p.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 1)
	assert.Contains(t, verr.Violations[0], "at least one audio source")
}

func TestValidateRejectsBadSolfeggioHz(t *testing.T) {
	p := &Payload{Solfeggio: &SolfeggioSpec{Enabled: true, Hz: 500}}

	err := p.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "solfeggio.hz 500")
}

func TestValidateReportsAllViolations(t *testing.T) {
	p := &Payload{
		DurationMin: f(45),
		Voice:       &VoiceSpec{Provider: "acme", Speed: 9},
		Script:      "hello",
		Solfeggio:   &SolfeggioSpec{Enabled: true, Hz: 123},
		Binaural:    &BinauralSpec{Enabled: true, CarrierHz: f(50), BeatHz: f(500)},
	}

	err := p.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Violations), 6)
}

func TestValidateAcceptsScenarios(t *testing.T) {
	payloads := []Payload{
		{DurationMin: f(1), Voice: &VoiceSpec{Provider: "openai", ID: "nova"}, Script: "Breathe in.", PauseSec: 5, LoopMode: true},
		{DurationMin: f(2), Binaural: &BinauralSpec{Enabled: true, CarrierHz: f(400), BeatHz: f(6)}},
		{BackgroundMusic: &MusicSpec{URL: "https://cdn.example.com/calm.mp3"}},
		{Voice: &VoiceSpec{Provider: "elevenlabs", ID: "pNInz6obpgDQGcFmaJgB", Speed: 1.1}, Script: "Rest."},
	}

	for i, p := range payloads {
		assert.NoError(t, p.Validate(), "payload %d", i)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode(json.RawMessage(`{"durationMin": `))
	assert.Error(t, err)
	assert.False(t, errors.As(err, new(*ValidationError)), "decode failures are not validation errors")
}
