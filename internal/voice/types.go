package voice

import (
	"context"
	"time"
)

// MixMode selects how a voice segment is routed relative to the music.
type MixMode string

const (
	MixDuck       MixMode = "duck"
	MixGentleDuck MixMode = "gentle_duck"
	MixOverlay    MixMode = "overlay"
)

// TTSService is the out-of-core text-to-speech backend the scheduler
// consumes. A single-method interface, mirrored on the planner's
// SelectionStrategy pattern: no duck-typing needed.
type TTSService interface {
	// Speak synthesizes text and returns a playable audio path plus its
	// duration. speaker/instruct are per-segment voice overrides; either may
	// be nil to use the backend's defaults.
	Speak(ctx context.Context, text string, speaker, instruct *string) (path string, duration time.Duration, err error)
}

// VoiceSegment is a transient request to play a piece of voice at a
// particular moment. Segments never outlive the scheduler; only their
// resulting timeline event persists.
type VoiceSegment struct {
	Text            string
	Trigger         string // "asap", "between_songs", "before_end:X", "after_start:X", "bridge"
	Priority        int    // lower plays first in the between-songs queue; negative + asap = interrupt
	LeadingSilence  time.Duration
	TrailingSilence time.Duration

	// PreGeneratedAudio, if set and present on disk, skips TTS generation.
	PreGeneratedAudio string
	AudioDuration     time.Duration // used for bridge timing math

	MixMode MixMode

	Speaker  *string
	Instruct *string

	SourcePlugin string
}

// gentleDuckRestoreDelay is the conservative delay before gentle_duck
// restores the pre-segment duck amount, matching the source's fixed 10s
// allowance for the voice to finish playing.
const gentleDuckRestoreDelay = 10 * time.Second
