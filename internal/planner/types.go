package planner

import (
	"time"

	"github.com/arung-agamani/radiodan-bridge/internal/library"
)

// DefaultLookahead is the target upcoming-queue length.
const DefaultLookahead = 5

// DefaultHistoryCap bounds the in-memory history tail.
const DefaultHistoryCap = 50

// defaultTrackDuration is substituted when a track's duration is unknown, so
// time projection (§4.4.4) still has something to chain from.
const defaultTrackDuration = 180 * time.Second

// QueueEntry is one slot of the lookahead queue. The planner owns these; the
// mixer only ever mirrors the file paths pushed to it.
type QueueEntry struct {
	Position int
	FilePath string
	Metadata map[string]any
	ZStagger int
	EventID  int64

	TTSStatus string
	TTSPath   string

	PredictedStart time.Time
	PredictedEnd   time.Time
}

// HistoryEntry is an append-only record of a played file.
type HistoryEntry struct {
	FilePath        string
	PlayedAt        time.Time
	PlannedPosition int
}

// SelectionStrategy is the single-method contract plugins implement to
// decide what plays next. No duck-typing: this is the one interface the
// planner consumes.
type SelectionStrategy interface {
	SelectNext(lib []*library.Track, history []HistoryEntry, upcoming []QueueEntry) (*library.Track, bool)
}

// TrackTiming is what Stream Context reports about the currently playing
// track, used both for event recovery (advance step 4) and time projection
// (§4.4.4).
type TrackTiming struct {
	Remaining time.Duration
	Elapsed   time.Duration
}
