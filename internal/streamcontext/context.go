// Package streamcontext is the single polling monitor for "what's playing
// now". It reads track_info/remaining/elapsed from the mixer, enriches the
// engine's (sometimes stale) metadata with the planner's tag-scanned
// library, and publishes track_changed/track_ending events to any
// registered listeners.
package streamcontext

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/arung-agamani/radiodan-bridge/internal/eventstore"
	"github.com/arung-agamani/radiodan-bridge/internal/library"
	"github.com/arung-agamani/radiodan-bridge/internal/mixer"
	"github.com/arung-agamani/radiodan-bridge/internal/planner"
)

// DefaultPollInterval is how often the loop queries the mixer.
const DefaultPollInterval = 2 * time.Second

// DefaultTrackEndingThreshold is how far from the end of a track
// track_ending fires.
const DefaultTrackEndingThreshold = 30 * time.Second

// Context is the one true "now-playing" record; everything else asks it
// rather than keeping its own copy. Callers receive copies, never a
// reference into Context's internal state.
type Context struct {
	mixer  *mixer.Client
	pl     *planner.Planner
	events *eventstore.Store

	pollInterval         time.Duration
	trackEndingThreshold time.Duration

	mu            sync.RWMutex
	currentTrack  TrackState
	remaining     time.Duration
	elapsed       time.Duration
	enrichments   map[string]any
	feederContext map[string]any

	currentTrackEventID int64
	lastFilename        string
	trackEndingFired     bool
	skipSignaled         bool

	listenersMu sync.Mutex
	listeners   map[string][]EventCallback

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Context. pl may be nil: enrichment and the planner
// advance are then skipped. events may be nil; Context itself writes no
// timeline events (music events are closed and activated by the planner's
// Advance).
func New(mixerClient *mixer.Client, pl *planner.Planner, events *eventstore.Store, pollInterval, trackEndingThreshold time.Duration) *Context {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if trackEndingThreshold <= 0 {
		trackEndingThreshold = DefaultTrackEndingThreshold
	}
	return &Context{
		mixer:                mixerClient,
		pl:                   pl,
		events:               events,
		pollInterval:         pollInterval,
		trackEndingThreshold: trackEndingThreshold,
		enrichments:          make(map[string]any),
		feederContext:        make(map[string]any),
		currentTrackEventID:  eventstore.NoEventID,
		listeners:            make(map[string][]EventCallback),
	}
}

// On subscribes to "track_changed" or "track_ending". Handlers are invoked
// sequentially; a handler's panic is recovered and logged without affecting
// the others.
func (c *Context) On(event string, cb EventCallback) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[event] = append(c.listeners[event], cb)
}

func (c *Context) emit(event string, payload any) {
	c.listenersMu.Lock()
	handlers := append([]EventCallback(nil), c.listeners[event]...)
	c.listenersMu.Unlock()

	for _, h := range handlers {
		c.invoke(event, h, payload)
	}
}

func (c *Context) invoke(event string, h EventCallback, payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("streamcontext: listener panicked", "event", event, "error", r)
		}
	}()
	h(payload)
}

// NotifySkip sets a one-shot flag consumed by the next track_changed
// handling, so the closing timeline event for the current track is marked
// skipped instead of completed.
func (c *Context) NotifySkip() {
	c.mu.Lock()
	c.skipSignaled = true
	c.mu.Unlock()
}

// CurrentTrack returns a copy of the currently known track state.
func (c *Context) CurrentTrack() TrackState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTrack
}

// Remaining returns the last-polled remaining duration.
func (c *Context) Remaining() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remaining
}

// Elapsed returns the last-polled elapsed duration.
func (c *Context) Elapsed() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.elapsed
}

// Enrichments returns a copy of the per-track enrichment map, cleared on
// every track change. Plugins use this for single-song context.
func (c *Context) Enrichments() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.enrichments))
	for k, v := range c.enrichments {
		out[k] = v
	}
	return out
}

// SetEnrichment writes a per-track key, cleared on the next track change.
func (c *Context) SetEnrichment(key string, value any) {
	c.mu.Lock()
	c.enrichments[key] = value
	c.mu.Unlock()
}

// FeederContext returns a copy of the persistent (never cleared) feeder
// context map. Data-feeder plugins use this to carry state across tracks.
func (c *Context) FeederContext() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.feederContext))
	for k, v := range c.feederContext {
		out[k] = v
	}
	return out
}

// SetFeederContext writes a key in the persistent feeder context map.
func (c *Context) SetFeederContext(key string, value any) {
	c.mu.Lock()
	c.feederContext[key] = value
	c.mu.Unlock()
}

// Start launches the polling loop. It blocks only long enough to record the
// cancellation hook; the loop itself runs on its own goroutine.
func (c *Context) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.pollLoop(loopCtx)
	return nil
}

// Stop cancels the polling loop and waits for it to exit.
func (c *Context) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Context) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.pollOnceRecovered(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pollInterval):
		}
	}
}

// pollOnceRecovered isolates a single poll iteration's panic, matching the
// "log and continue" discipline every background loop in this module
// follows.
func (c *Context) pollOnceRecovered(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("streamcontext: poll panic recovered", "error", r)
		}
	}()
	c.pollOnce(ctx)
}

func (c *Context) pollOnce(ctx context.Context) {
	info, err := c.mixer.GetTrackInfo(ctx)
	if err != nil {
		slog.Debug("streamcontext: get_track_info failed", "error", err)
		return
	}
	remainingSecs := c.mixer.GetRemaining(ctx)
	elapsedSecs := c.mixer.GetElapsed(ctx)

	remaining := secondsToDuration(remainingSecs)
	elapsed := secondsToDuration(elapsedSecs)

	c.mu.Lock()
	c.remaining = remaining
	c.elapsed = elapsed
	filename := info.Filename
	changed := filename != "" && filename != c.lastFilename
	var wasSkip bool

	if changed {
		c.lastFilename = filename
		c.trackEndingFired = false
		c.enrichments = make(map[string]any)
		wasSkip = c.skipSignaled
		c.skipSignaled = false
	}
	c.mu.Unlock()

	if changed {
		enriched := c.enrichUnsafe(info)

		c.mu.Lock()
		c.currentTrack = enriched
		c.mu.Unlock()

		if c.pl != nil {
			timing := planner.TrackTiming{Remaining: remaining, Elapsed: elapsed}
			if err := c.pl.Advance(ctx, filename, timing, wasSkip); err != nil {
				slog.Error("streamcontext: planner advance failed", "error", err)
			}
		}

		slog.Info("streamcontext: track changed", "artist", enriched.Artist, "title", enriched.Title)
		c.emit("track_changed", enriched)
	}

	if remainingSecs > 0 && remaining < c.trackEndingThreshold {
		c.mu.Lock()
		fire := !c.trackEndingFired
		if fire {
			c.trackEndingFired = true
		}
		c.mu.Unlock()

		if fire {
			slog.Info("streamcontext: track ending", "remaining", remaining)
			c.emit("track_ending", remaining)
		}
	}
}

// enrichUnsafe applies the §4.5.1 resolution order: match the upcoming
// queue first (the just-started track is still at index 0 at this instant),
// else the full library; planner-owned fields win over the engine's.
func (c *Context) enrichUnsafe(info mixer.TrackInfo) TrackState {
	state := TrackState{TrackInfo: info}
	if c.pl == nil {
		return state
	}

	target := filepath.Base(info.Filename)
	var match *library.Track

	for _, e := range c.pl.Upcoming() {
		if filepath.Base(e.FilePath) == target {
			if t, ok := c.pl.Library().Get(e.FilePath); ok {
				match = t
			}
			break
		}
	}
	if match == nil {
		if t, ok := c.pl.Library().FindByBasename(target); ok {
			match = t
		}
	}
	if match == nil {
		return state
	}

	if match.Artist != "" {
		state.Artist = match.Artist
	}
	if match.Title != "" {
		state.Title = match.Title
	}
	if match.Album != "" {
		state.Album = match.Album
	}
	if match.Genre != "" {
		state.Genre = match.Genre
	}
	if match.Year != "" {
		state.Year = match.Year
	}
	if match.DurationSeconds > 0 {
		state.DurationSeconds = match.DurationSeconds
	}
	return state
}

func secondsToDuration(secs float64) time.Duration {
	if secs < 0 {
		return -1 * time.Second
	}
	return time.Duration(secs * float64(time.Second))
}
