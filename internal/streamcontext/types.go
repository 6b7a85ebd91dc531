package streamcontext

import "github.com/arung-agamani/radiodan-bridge/internal/mixer"

// TrackState is the enriched "what's playing now" record. It starts from the
// engine's raw TrackInfo and gains a duration field the wire protocol itself
// never reports — duration only ever comes from the planner's tag-scanned
// library, never from the mixer.
type TrackState struct {
	mixer.TrackInfo
	DurationSeconds int
}

// EventCallback receives a stream event's payload. track_changed delivers a
// TrackState; track_ending delivers the remaining duration. Handlers run
// sequentially and a panicking handler never stops the others.
type EventCallback func(payload any)
