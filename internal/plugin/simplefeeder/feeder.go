// Package simplefeeder is the reference SelectionStrategy: random choice
// with no-repeat protection against recent history and the already-queued
// upcoming entries. It is the default feeder wired at startup, but nothing
// about the planner depends on it — any other plugin can implement
// planner.SelectionStrategy in its place.
package simplefeeder

import (
	"math/rand"

	"github.com/arung-agamani/radiodan-bridge/internal/library"
	"github.com/arung-agamani/radiodan-bridge/internal/planner"
)

// DefaultNoRepeatCount is how many of the most recently played tracks are
// excluded from candidate selection.
const DefaultNoRepeatCount = 10

// Strategy implements planner.SelectionStrategy.
type Strategy struct {
	NoRepeatCount int
}

// New constructs a Strategy. noRepeatCount <= 0 uses DefaultNoRepeatCount.
func New(noRepeatCount int) *Strategy {
	if noRepeatCount <= 0 {
		noRepeatCount = DefaultNoRepeatCount
	}
	return &Strategy{NoRepeatCount: noRepeatCount}
}

// SelectNext picks a random track excluding recent history and the upcoming
// queue, progressively relaxing the exclusion set if the library is too
// small to satisfy it. history is oldest-first, so the most recently played
// tracks sit at its tail, not its head.
func (s *Strategy) SelectNext(lib []*library.Track, history []planner.HistoryEntry, upcoming []planner.QueueEntry) (*library.Track, bool) {
	if len(lib) == 0 {
		return nil, false
	}

	recent := recentPaths(history, s.NoRepeatCount)
	upcomingPaths := make(map[string]struct{}, len(upcoming))
	for _, e := range upcoming {
		upcomingPaths[e.FilePath] = struct{}{}
	}

	exclude := make(map[string]struct{}, len(recent)+len(upcomingPaths))
	for p := range recent {
		exclude[p] = struct{}{}
	}
	for p := range upcomingPaths {
		exclude[p] = struct{}{}
	}

	candidates := filterExcluding(lib, exclude)

	// Library too small to honor both exclusions: allow repeats from the
	// upcoming queue but still avoid recently played tracks.
	if len(candidates) == 0 {
		candidates = filterExcluding(lib, recent)
	}

	// Last resort: the entire library, repeats and all.
	if len(candidates) == 0 {
		candidates = lib
	}

	return candidates[rand.Intn(len(candidates))], true
}

// recentPaths returns the file paths of the last n history entries (the
// most recently played ones, since history is oldest-first).
func recentPaths(history []planner.HistoryEntry, n int) map[string]struct{} {
	start := 0
	if len(history) > n {
		start = len(history) - n
	}
	recent := history[start:]

	out := make(map[string]struct{}, len(recent))
	for _, h := range recent {
		out[h.FilePath] = struct{}{}
	}
	return out
}

func filterExcluding(lib []*library.Track, exclude map[string]struct{}) []*library.Track {
	var out []*library.Track
	for _, t := range lib {
		if _, skip := exclude[t.FilePath]; !skip {
			out = append(out, t)
		}
	}
	return out
}
