// Package planner owns the lookahead queue of upcoming tracks: it keeps the
// mixer's music queue in sync, persists queue and history across restarts,
// and projects future timeline events so other observers can predict start
// times.
package planner

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/arung-agamani/radiodan-bridge/internal/eventstore"
	"github.com/arung-agamani/radiodan-bridge/internal/library"
	"github.com/arung-agamani/radiodan-bridge/internal/mixer"
)

// backoffSchedule is the deferred-fill retry schedule: 5 attempts with
// linearly increasing backoff.
var backoffSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second, 10 * time.Second}

// Listener receives planner lifecycle events ("queue_changed", "tts_needed").
type Listener func(payload any)

// Planner is the lookahead-queue owner. All mutation goes through mu so the
// mixer resync inside any one mutation is atomic from the caller's
// perspective.
type Planner struct {
	mu sync.Mutex

	library *library.Store
	store   *Store
	mixer   *mixer.Client
	events  *eventstore.Store

	lookahead int
	upcoming  []QueueEntry
	history   []HistoryEntry

	feeder SelectionStrategy

	currentTrackEventID int64
	lastZStagger        int

	listeners map[string][]Listener

	fillCancel context.CancelFunc
	fillWG     sync.WaitGroup
}

// New constructs a Planner. Call Load to hydrate it from persisted state
// before wiring it into Stream Context.
func New(lib *library.Store, store *Store, mixerClient *mixer.Client, events *eventstore.Store, lookahead int) *Planner {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	return &Planner{
		library:             lib,
		store:               store,
		mixer:               mixerClient,
		events:              events,
		lookahead:           lookahead,
		currentTrackEventID: eventstore.NoEventID,
		lastZStagger:        events.LastMusicZStagger(),
		listeners:           make(map[string][]Listener),
	}
}

// On subscribes to a planner event ("queue_changed" or "tts_needed").
// Handlers run sequentially on the caller's goroutine; no isolation is
// needed here since the planner itself is the only emitter.
func (p *Planner) On(event string, l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners[event] = append(p.listeners[event], l)
}

func (p *Planner) emit(event string, payload any) {
	for _, l := range p.listeners[event] {
		l(payload)
	}
}

// Load hydrates the queue and history from persisted state. Per §4.4.5, it
// does not fill the queue; filling waits for a feeder to be registered.
func (p *Planner) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	queue, err := p.store.LoadQueue(ctx)
	if err != nil {
		return err
	}
	p.upcoming = queue

	history, err := p.store.GetHistory(ctx, DefaultHistoryCap)
	if err != nil {
		return err
	}
	// GetHistory pages most recent first; the in-memory history is
	// oldest-first, so reverse it.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	p.history = history

	for _, e := range p.upcoming {
		if err := p.mixer.QueueMusic(ctx, e.FilePath); err != nil {
			slog.Warn("planner: failed to push persisted queue entry to mixer", "file_path", e.FilePath, "error", err)
		}
	}

	return nil
}

// SetFeeder registers a SelectionStrategy and triggers a deferred fill.
func (p *Planner) SetFeeder(ctx context.Context, strategy SelectionStrategy) {
	p.mu.Lock()
	p.feeder = strategy
	p.mu.Unlock()

	p.startDeferredFill(ctx)
}

// ClearFeeder removes the registered strategy; the queue stops refilling.
func (p *Planner) ClearFeeder() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feeder = nil
	if p.fillCancel != nil {
		p.fillCancel()
	}
}

// startDeferredFill runs up to 5 fill attempts with linearly increasing
// backoff, since the mixer may not be ready yet when the feeder registers.
// Success is either the engine confirming at least one queued entry, or the
// planner queue being empty (nothing to push).
func (p *Planner) startDeferredFill(ctx context.Context) {
	p.mu.Lock()
	if p.fillCancel != nil {
		p.fillCancel()
	}
	fillCtx, cancel := context.WithCancel(ctx)
	p.fillCancel = cancel
	p.mu.Unlock()

	p.fillWG.Add(1)
	go func() {
		defer p.fillWG.Done()

		for attempt, backoff := range backoffSchedule {
			select {
			case <-fillCtx.Done():
				return
			case <-time.After(backoff):
			}

			p.mu.Lock()
			if err := p.fillUnsafe(fillCtx); err != nil {
				slog.Error("planner: deferred fill attempt failed", "attempt", attempt+1, "error", err)
			}
			queueLen := len(p.upcoming)
			p.mu.Unlock()

			engineLen := p.mixer.MusicQueueLength(fillCtx)
			if engineLen >= 1 || queueLen == 0 {
				slog.Info("planner: deferred fill succeeded", "attempt", attempt+1, "engine_queue_length", engineLen)
				return
			}
		}
		slog.Warn("planner: deferred fill exhausted all attempts")
	}()
}

// StopFill cancels any in-flight deferred fill goroutine. Call during
// shutdown.
func (p *Planner) StopFill() {
	p.mu.Lock()
	cancel := p.fillCancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.fillWG.Wait()
}

// Advance is invoked by Stream Context whenever the playing filename
// changes. It implements §4.4.1 exactly.
func (p *Planner) Advance(ctx context.Context, filename string, timing TrackTiming, wasSkipped bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Step 1: close the previous active music event.
	status := eventstore.StatusCompleted
	if wasSkipped {
		status = eventstore.StatusSkipped
	}
	if err := p.events.EndEvent(ctx, p.currentTrackEventID, status, nil); err != nil {
		slog.Error("planner: failed to end previous track event", "error", err)
	}

	// Step 2: append a history entry, resolving to a full path if known.
	fullPath := filename
	if t, ok := p.library.FindByBasename(filepath.Base(filename)); ok {
		fullPath = t.FilePath
	}
	histEntry := HistoryEntry{FilePath: fullPath, PlayedAt: time.Now()}
	if err := p.store.AppendHistory(ctx, histEntry); err != nil {
		slog.Error("planner: failed to persist history entry", "error", err)
	}
	p.history = append(p.history, histEntry)
	if len(p.history) > DefaultHistoryCap {
		p.history = p.history[len(p.history)-DefaultHistoryCap:]
	}

	// Step 3: remove the matching entry from upcoming.
	removed, found := p.removeMatchingUnsafe(filename)

	// Step 4: if it carried a scheduled event, promote it to active with
	// wall-clock truth instead of the earlier prediction.
	if found && removed.EventID != eventstore.NoEventID {
		now := time.Now()
		startedAt := now.Add(-timing.Elapsed)
		endedAt := now.Add(timing.Remaining)
		active := eventstore.StatusActive
		if err := p.events.UpdateEvent(ctx, removed.EventID, eventstore.EventPatch{
			Status: &active, StartedAt: &startedAt, EndedAt: &endedAt,
		}); err != nil {
			slog.Error("planner: failed to activate track event", "error", err)
		}
		p.currentTrackEventID = removed.EventID
	} else {
		p.currentTrackEventID = eventstore.NoEventID
	}

	// Step 5 + 6: refill and push new entries to the mixer.
	if err := p.fillUnsafe(ctx); err != nil {
		slog.Error("planner: fill during advance failed", "error", err)
	}

	// Step 7: recompute predicted times for every remaining scheduled event.
	p.projectUnsafe(ctx, timing)
	if err := p.updateScheduledEventTimesUnsafe(ctx); err != nil {
		slog.Error("planner: failed to update scheduled event times", "error", err)
	}

	// Step 8: persist the queue snapshot.
	if err := p.store.PersistQueue(ctx, p.upcoming); err != nil {
		slog.Error("planner: failed to persist queue", "error", err)
	}

	// Step 9: emit queue_changed, and tts_needed for the N+2 slot.
	p.emit("queue_changed", p.snapshotUnsafe())
	if len(p.upcoming) >= 2 {
		p.emit("tts_needed", struct {
			Entry QueueEntry
			Index int
		}{p.upcoming[1], 1})
	}

	return nil
}

// removeMatchingUnsafe removes and returns the upcoming entry matching
// filename: index 0 first, else the first entry whose basename matches.
func (p *Planner) removeMatchingUnsafe(filename string) (QueueEntry, bool) {
	if len(p.upcoming) == 0 {
		return QueueEntry{}, false
	}

	target := filepath.Base(filename)
	idx := -1
	if filepath.Base(p.upcoming[0].FilePath) == target {
		idx = 0
	} else {
		for i, e := range p.upcoming {
			if filepath.Base(e.FilePath) == target {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return QueueEntry{}, false
	}

	removed := p.upcoming[idx]
	p.upcoming = append(p.upcoming[:idx], p.upcoming[idx+1:]...)
	p.renumberUnsafe()
	return removed, true
}

// renumberUnsafe keeps positions contiguous 0..N-1 after any mutation.
func (p *Planner) renumberUnsafe() {
	for i := range p.upcoming {
		p.upcoming[i].Position = i
	}
}

// fillUnsafe invokes the feeder until the queue reaches lookahead length or
// the feeder returns nothing. Each new entry gets its z_stagger bit, a
// scheduled timeline event at its projected time, and is pushed to the
// mixer.
func (p *Planner) fillUnsafe(ctx context.Context) error {
	if p.feeder == nil {
		return nil
	}

	for len(p.upcoming) < p.lookahead {
		track, ok := p.feeder.SelectNext(p.library.List(), p.history, p.upcoming)
		if !ok || track == nil {
			slog.Warn("planner: feeder starved, stopping fill short of lookahead", "queue_length", len(p.upcoming))
			break
		}

		prevStagger := p.lastZStagger
		if len(p.upcoming) > 0 {
			prevStagger = p.upcoming[len(p.upcoming)-1].ZStagger
		}
		zStagger := 1 - prevStagger

		entry := QueueEntry{
			Position:  len(p.upcoming),
			FilePath:  track.FilePath,
			TTSStatus: "pending",
			EventID:   eventstore.NoEventID,
			ZStagger:  zStagger,
		}
		p.upcoming = append(p.upcoming, entry)
		p.lastZStagger = zStagger
		p.events.SetLastMusicZStagger(zStagger)

		p.projectUnsafe(ctx, TrackTiming{})
		last := &p.upcoming[len(p.upcoming)-1]

		title := filepath.Base(track.FilePath)
		if track.Artist != "" || track.Title != "" {
			title = track.Artist + " — " + track.Title
		}
		id, err := p.events.StartEvent(ctx, "track_play", "music", title, map[string]any{
			"filename":  track.FilePath,
			"z_stagger": zStagger,
			"artist":    track.Artist,
			"title":     track.Title,
		}, eventstore.StatusScheduled, last.PredictedStart)
		if err != nil {
			slog.Error("planner: failed to schedule timeline event", "error", err)
		} else {
			last.EventID = id
		}

		if err := p.mixer.QueueMusic(ctx, track.FilePath); err != nil {
			slog.Error("planner: failed to push new track to mixer", "file_path", track.FilePath, "error", err)
		}
	}

	return nil
}

// projectUnsafe chains predicted start/end times through the queue per
// §4.4.4. It does not write to the event store; callers decide when to
// flush the projection via updateScheduledEventTimesUnsafe.
func (p *Planner) projectUnsafe(ctx context.Context, timing TrackTiming) {
	crossfade := time.Duration(p.mixer.GetCrossfadeDuration(ctx) * float64(time.Second))

	anchor := time.Now()
	if timing.Remaining > 0 {
		anchor = time.Now().Add(timing.Remaining).Add(-crossfade)
	}

	cursor := anchor
	for i := range p.upcoming {
		duration := defaultTrackDuration
		if t, ok := p.library.Get(p.upcoming[i].FilePath); ok && t.DurationSeconds > 0 {
			duration = time.Duration(t.DurationSeconds) * time.Second
		}

		p.upcoming[i].PredictedStart = cursor
		p.upcoming[i].PredictedEnd = cursor.Add(duration)
		cursor = p.upcoming[i].PredictedEnd.Add(-crossfade)
	}
}

func (p *Planner) updateScheduledEventTimesUnsafe(ctx context.Context) error {
	for _, e := range p.upcoming {
		if e.EventID == eventstore.NoEventID {
			continue
		}
		start, end := e.PredictedStart, e.PredictedEnd
		if err := p.events.UpdateEvent(ctx, e.EventID, eventstore.EventPatch{StartedAt: &start, EndedAt: &end}); err != nil {
			return err
		}
	}
	return nil
}

// syncMixerUnsafe re-pushes newly added entries to the mixer. The external
// control protocol has no "clear music queue" command, so a full resync on
// reorder (move/remove) cannot retroactively un-queue tracks the engine
// already holds; those mutations update planner bookkeeping, the persisted
// queue, and scheduled event times, and rely on the next natural advance to
// reconcile the engine's live queue with the planner's order.
func (p *Planner) syncMixerUnsafe(ctx context.Context, newlyAdded []QueueEntry) {
	for _, e := range newlyAdded {
		if err := p.mixer.QueueMusic(ctx, e.FilePath); err != nil {
			slog.Error("planner: failed to push track during sync", "file_path", e.FilePath, "error", err)
		}
	}
}

func (p *Planner) afterMutationUnsafe(ctx context.Context, newlyAdded []QueueEntry) {
	p.renumberUnsafe()
	p.projectUnsafe(ctx, TrackTiming{})
	if err := p.updateScheduledEventTimesUnsafe(ctx); err != nil {
		slog.Error("planner: failed to update scheduled event times", "error", err)
	}
	p.syncMixerUnsafe(ctx, newlyAdded)
	if err := p.store.PersistQueue(ctx, p.upcoming); err != nil {
		slog.Error("planner: failed to persist queue", "error", err)
	}
	p.emit("queue_changed", p.snapshotUnsafe())
}

// InsertTrack inserts a track at the given queue position (or the end, if
// pos is out of range), syncing the mixer and event schedule.
func (p *Planner) InsertTrack(ctx context.Context, filePath string, pos int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos < 0 || pos > len(p.upcoming) {
		pos = len(p.upcoming)
	}

	prevStagger := p.lastZStagger
	if pos > 0 {
		prevStagger = p.upcoming[pos-1].ZStagger
	}
	entry := QueueEntry{FilePath: filePath, EventID: eventstore.NoEventID, ZStagger: 1 - prevStagger, TTSStatus: "pending"}

	p.upcoming = append(p.upcoming, QueueEntry{})
	copy(p.upcoming[pos+1:], p.upcoming[pos:])
	p.upcoming[pos] = entry

	title := filepath.Base(filePath)
	id, err := p.events.StartEvent(ctx, "track_play", "music", title, map[string]any{"filename": filePath, "z_stagger": entry.ZStagger}, eventstore.StatusScheduled, time.Now())
	if err == nil {
		p.upcoming[pos].EventID = id
	}

	p.afterMutationUnsafe(ctx, []QueueEntry{p.upcoming[pos]})
	return nil
}

// RemoveTrack removes the entry at pos, marking its scheduled event skipped.
func (p *Planner) RemoveTrack(ctx context.Context, pos int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos < 0 || pos >= len(p.upcoming) {
		return nil
	}

	removed := p.upcoming[pos]
	p.upcoming = append(p.upcoming[:pos], p.upcoming[pos+1:]...)

	if removed.EventID != eventstore.NoEventID {
		if err := p.events.EndEvent(ctx, removed.EventID, eventstore.StatusSkipped, nil); err != nil {
			slog.Error("planner: failed to mark removed entry's event skipped", "error", err)
		}
	}

	p.afterMutationUnsafe(ctx, nil)
	return nil
}

// MoveTrack relocates the entry at from to to, preserving its identity and
// event id.
func (p *Planner) MoveTrack(ctx context.Context, from, to int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if from < 0 || from >= len(p.upcoming) || to < 0 || to >= len(p.upcoming) || from == to {
		return nil
	}

	entry := p.upcoming[from]
	p.upcoming = append(p.upcoming[:from], p.upcoming[from+1:]...)

	p.upcoming = append(p.upcoming, QueueEntry{})
	copy(p.upcoming[to+1:], p.upcoming[to:])
	p.upcoming[to] = entry

	p.afterMutationUnsafe(ctx, nil)
	return nil
}

// GetHistory returns a paged readback of history, most recent first.
func (p *Planner) GetHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	return p.store.GetHistory(ctx, limit)
}

// Upcoming returns a copy of the current lookahead queue, for Stream
// Context's enrichment policy and external read access.
func (p *Planner) Upcoming() []QueueEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotUnsafe()
}

func (p *Planner) snapshotUnsafe() []QueueEntry {
	out := make([]QueueEntry, len(p.upcoming))
	copy(out, p.upcoming)
	return out
}

// Library exposes the backing track library for callers (Stream Context's
// enrichment fallback) that need to search the full catalog, not just the
// upcoming queue.
func (p *Planner) Library() *library.Store {
	return p.library
}
