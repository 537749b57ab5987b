// Package job defines the render job model and the payload parsing
// boundary.
//
// Queue rows carry an untyped JSON payload written by external enqueuers.
// Decode is the single place that JSON enters the system; everything
// downstream consumes the typed Payload with defaults already
// materialized by Normalize.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job statuses as stored in the queue.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job is one claimed queue row. Immutable input; all mutation goes back
// through the queue client.
type Job struct {
	ID          string          `json:"id"`
	TrackID     string          `json:"track_id"`
	UserID      string          `json:"user_id"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Progress    int             `json:"progress"`
	Stage       string          `json:"stage"`
	Error       string          `json:"error_message"`
	Attempts    int             `json:"attempts"`
	LeasedUntil *time.Time      `json:"leased_until"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Default layer gains in dB, applied when the payload omits them.
const (
	DefaultVoiceDB     = -1.0
	DefaultMusicDB     = -10.0
	DefaultSolfeggioDB = -18.0
	DefaultBinauralDB  = -20.0
	DefaultCarrierDB   = -24.0
)

// Defaults for the remaining optional fields.
const (
	DefaultDurationMin = 5.0
	DefaultPauseSec    = 2.0
	DefaultFadeInMs    = 1000
	DefaultFadeOutMs   = 1500
	DefaultTargetLufs  = -16.0
	DefaultCarrierHz   = 200.0
	DefaultBeatHz      = 10.0
)

// BandBeatHz maps a brainwave band name to its default beat frequency.
var BandBeatHz = map[string]float64{
	"delta": 2,
	"theta": 6,
	"alpha": 10,
	"beta":  20,
	"gamma": 40,
}

// SolfeggioFrequencies is the legal set for solfeggio.hz.
var SolfeggioFrequencies = map[float64]bool{
	174: true, 285: true, 396: true, 417: true, 528: true,
	639: true, 741: true, 852: true, 963: true,
}

// VoiceSpec selects a TTS provider and voice.
type VoiceSpec struct {
	Provider string  `json:"provider"` // "openai" or "elevenlabs"
	ID       string  `json:"id"`
	Model    string  `json:"model,omitempty"`
	Speed    float64 `json:"speed,omitempty"` // 0.25..4.0, 0 means 1.0
}

// MusicSpec references a background-music asset.
type MusicSpec struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

// SolfeggioSpec enables a pure-tone layer at a fixed frequency.
type SolfeggioSpec struct {
	Enabled  bool     `json:"enabled"`
	Hz       float64  `json:"hz"`
	VolumeDB *float64 `json:"volume_db,omitempty"`
}

// BinauralSpec enables a binaural-beat layer, either by band name or by
// explicit carrier/beat frequencies.
type BinauralSpec struct {
	Enabled   bool     `json:"enabled"`
	Band      string   `json:"band,omitempty"`
	CarrierHz *float64 `json:"carrierHz,omitempty"`
	BeatHz    *float64 `json:"beatHz,omitempty"`
	VolumeDB  *float64 `json:"volume_db,omitempty"`
}

// GainSpec carries per-layer mixing gains in dB. Pointers distinguish an
// explicit 0 dB from an omitted field.
type GainSpec struct {
	VoiceDB     *float64 `json:"voiceDb,omitempty"`
	MusicDB     *float64 `json:"musicDb,omitempty"`
	SolfeggioDB *float64 `json:"solfeggioDb,omitempty"`
	BinauralDB  *float64 `json:"binauralDb,omitempty"`
}

// FadeSpec configures master fade-in/out in milliseconds.
type FadeSpec struct {
	InMs  *int `json:"inMs,omitempty"`
	OutMs *int `json:"outMs,omitempty"`
}

// SafetySpec holds mastering targets.
type SafetySpec struct {
	TargetLufs *float64 `json:"targetLufs,omitempty"`
}

// Payload is the decoded render request.
type Payload struct {
	Script          string         `json:"script,omitempty"`
	Voice           *VoiceSpec     `json:"voice,omitempty"`
	DurationMin     *float64       `json:"durationMin,omitempty"`
	LegacyDuration  *float64       `json:"duration,omitempty"` // minutes, older enqueuers
	PauseSec        float64        `json:"pauseSec,omitempty"`
	LoopMode        bool           `json:"loopMode,omitempty"`
	StartDelaySec   float64        `json:"startDelaySec,omitempty"`
	BackgroundMusic *MusicSpec     `json:"backgroundMusic,omitempty"`
	Solfeggio       *SolfeggioSpec `json:"solfeggio,omitempty"`
	Binaural        *BinauralSpec  `json:"binaural,omitempty"`
	Gains           *GainSpec      `json:"gains,omitempty"`
	Fade            *FadeSpec      `json:"fade,omitempty"`
	Safety          *SafetySpec    `json:"safety,omitempty"`
}

// Decode parses a queue payload. It does not validate; call Validate on
// the result before doing any work.
func Decode(raw json.RawMessage) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("job: decode payload: %w", err)
	}
	return &p, nil
}

// Normalize materializes every default so downstream code never checks
// for missing sections. Returns the receiver for chaining.
func (p *Payload) Normalize() *Payload {
	if p.Voice != nil && p.Voice.Speed == 0 {
		p.Voice.Speed = 1.0
	}
	if p.PauseSec == 0 {
		p.PauseSec = DefaultPauseSec
	}

	if p.Gains == nil {
		p.Gains = &GainSpec{}
	}
	fillGain(&p.Gains.VoiceDB, DefaultVoiceDB)
	fillGain(&p.Gains.MusicDB, DefaultMusicDB)
	fillGain(&p.Gains.SolfeggioDB, DefaultSolfeggioDB)
	fillGain(&p.Gains.BinauralDB, DefaultBinauralDB)

	if p.Fade == nil {
		p.Fade = &FadeSpec{}
	}
	if p.Fade.InMs == nil {
		in := DefaultFadeInMs
		p.Fade.InMs = &in
	}
	if p.Fade.OutMs == nil {
		out := DefaultFadeOutMs
		p.Fade.OutMs = &out
	}

	if p.Safety == nil {
		p.Safety = &SafetySpec{}
	}
	if p.Safety.TargetLufs == nil {
		lufs := DefaultTargetLufs
		p.Safety.TargetLufs = &lufs
	}

	if p.Solfeggio != nil && p.Solfeggio.VolumeDB == nil {
		p.Solfeggio.VolumeDB = p.Gains.SolfeggioDB
	}
	if p.Binaural != nil && p.Binaural.VolumeDB == nil {
		p.Binaural.VolumeDB = p.Gains.BinauralDB
	}
	return p
}

func fillGain(field **float64, def float64) {
	if *field == nil {
		v := def
		*field = &v
	}
}

// DurationSec resolves the target duration with the documented
// precedence: durationMin, then legacy duration, then 5 minutes.
func (p *Payload) DurationSec() float64 {
	switch {
	case p.DurationMin != nil:
		return *p.DurationMin * 60
	case p.LegacyDuration != nil:
		return *p.LegacyDuration * 60
	default:
		return DefaultDurationMin * 60
	}
}

// HasVoice reports whether a voice layer will be rendered.
func (p *Payload) HasVoice() bool {
	return p.Voice != nil && p.Script != ""
}

// HasMusic reports whether a background-music layer is requested.
func (p *Payload) HasMusic() bool {
	return p.BackgroundMusic != nil && p.BackgroundMusic.URL != ""
}

// HasSolfeggio reports whether the solfeggio tone layer is enabled.
func (p *Payload) HasSolfeggio() bool {
	return p.Solfeggio != nil && p.Solfeggio.Enabled
}

// HasBinaural reports whether the binaural layer is enabled.
func (p *Payload) HasBinaural() bool {
	return p.Binaural != nil && p.Binaural.Enabled
}

// ResolveBinaural returns the carrier and the left/right channel
// frequencies. Beat precedence: explicit beatHz, then band table, then
// the alpha default.
func (p *Payload) ResolveBinaural() (carrierHz, leftHz, rightHz float64) {
	carrierHz = DefaultCarrierHz
	beatHz := DefaultBeatHz

	if p.Binaural != nil {
		if p.Binaural.CarrierHz != nil {
			carrierHz = *p.Binaural.CarrierHz
		}
		switch {
		case p.Binaural.BeatHz != nil:
			beatHz = *p.Binaural.BeatHz
		case p.Binaural.Band != "":
			if hz, ok := BandBeatHz[p.Binaural.Band]; ok {
				beatHz = hz
			}
		}
	}
	return carrierHz, carrierHz - beatHz/2, carrierHz + beatHz/2
}
