package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the application
const (
	// Job attributes
	AttrJobID       = "job.id"
	AttrJobTrackID  = "job.track_id"
	AttrJobAttempts = "job.attempts"
	AttrEnvironment = "queue.environment"

	// Render attributes
	AttrRenderStage    = "render.stage"
	AttrRenderDuration = "render.duration_sec"
	AttrRenderLayers   = "render.layers"

	// TTS attributes
	AttrTTSProvider = "tts.provider"
	AttrTTSVoice    = "tts.voice"

	// Storage attributes
	AttrStoragePath = "storage.path"
)

// JobAttrs creates attributes for a claimed queue job
func JobAttrs(jobID, trackID string, attempts int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrJobID, jobID),
		attribute.String(AttrJobTrackID, trackID),
		attribute.Int(AttrJobAttempts, attempts),
	}
}

// StageAttrs creates attributes for a pipeline stage
func StageAttrs(stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRenderStage, stage),
	}
}

// TTSAttrs creates attributes for a synthesis call
func TTSAttrs(provider, voice string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTTSProvider, provider),
		attribute.String(AttrTTSVoice, voice),
	}
}
