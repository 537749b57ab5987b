package job

import (
	"fmt"
	"strings"
)

// ValidationError lists every rule the payload violates, not just the
// first one, so the queue row surfaces the full picture to the enqueuer.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + strings.Join(e.Violations, "; ")
}

// Validate checks the enumerated payload rules. Any failure fails the job
// before any pipeline work starts.
func (p *Payload) Validate() error {
	var violations []string

	if !p.HasVoice() && !p.HasMusic() && !p.HasSolfeggio() && !p.HasBinaural() {
		violations = append(violations, "at least one audio source (voice, music, solfeggio, binaural) is required")
	}

	if p.DurationMin != nil && (*p.DurationMin < 1 || *p.DurationMin > 30) {
		violations = append(violations, fmt.Sprintf("durationMin %g out of range [1, 30]", *p.DurationMin))
	}
	if p.LegacyDuration != nil && (*p.LegacyDuration < 1 || *p.LegacyDuration > 30) {
		violations = append(violations, fmt.Sprintf("duration %g out of range [1, 30]", *p.LegacyDuration))
	}

	if p.Voice != nil {
		if p.Voice.Provider != "openai" && p.Voice.Provider != "elevenlabs" {
			violations = append(violations, fmt.Sprintf("voice.provider %q is not one of openai, elevenlabs", p.Voice.Provider))
		}
		if p.Voice.Speed != 0 && (p.Voice.Speed < 0.25 || p.Voice.Speed > 4.0) {
			violations = append(violations, fmt.Sprintf("voice.speed %g out of range [0.25, 4.0]", p.Voice.Speed))
		}
	}

	if p.PauseSec != 0 && (p.PauseSec < 1 || p.PauseSec > 30) {
		violations = append(violations, fmt.Sprintf("pauseSec %g out of range [1, 30]", p.PauseSec))
	}
	if p.StartDelaySec < 0 || p.StartDelaySec > 60 {
		violations = append(violations, fmt.Sprintf("startDelaySec %g out of range [0, 60]", p.StartDelaySec))
	}

	if p.Solfeggio != nil && p.Solfeggio.Enabled && !SolfeggioFrequencies[p.Solfeggio.Hz] {
		violations = append(violations, fmt.Sprintf("solfeggio.hz %g is not a solfeggio frequency", p.Solfeggio.Hz))
	}

	if p.Binaural != nil {
		if p.Binaural.CarrierHz != nil && (*p.Binaural.CarrierHz < 100 || *p.Binaural.CarrierHz > 1000) {
			violations = append(violations, fmt.Sprintf("binaural.carrierHz %g out of range [100, 1000]", *p.Binaural.CarrierHz))
		}
		if p.Binaural.BeatHz != nil && (*p.Binaural.BeatHz < 1 || *p.Binaural.BeatHz > 100) {
			violations = append(violations, fmt.Sprintf("binaural.beatHz %g out of range [1, 100]", *p.Binaural.BeatHz))
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
