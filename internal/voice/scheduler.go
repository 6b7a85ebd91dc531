// Package voice is the central timing engine for voice segments submitted
// by plugins: five trigger modes, three mix modes, priority-ordered
// between-songs flushing, and priority interrupts.
package voice

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/arung-agamani/radiodan-bridge/internal/eventstore"
	"github.com/arung-agamani/radiodan-bridge/internal/mixer"
	"github.com/arung-agamani/radiodan-bridge/internal/streamcontext"
	"github.com/arung-agamani/radiodan-bridge/internal/voice/trigger"
)

// DefaultMonitorInterval is how often the monitor loop checks after_start
// triggers against elapsed time.
const DefaultMonitorInterval = 2 * time.Second

// scheduled pairs a submitted segment with the timeline event id tracking
// it, mirroring the source's VoiceSegment._event_id field as an explicit
// companion struct instead of a mutable field on the segment itself.
type scheduled struct {
	segment VoiceSegment
	eventID int64
}

// timedTrigger replaces the source's parallel (list, index-set) pair with a
// single typed slice; firing state still lives in a separate index set so
// clearing triggers and clearing fired-state are independent operations,
// matching §4.6's two separate index-sets.
type timedTrigger struct {
	threshold time.Duration
	item      scheduled
}

// Scheduler is the voice timing engine. One public entry point plugins use:
// Submit.
type Scheduler struct {
	tts       TTSService
	mixer     *mixer.Client
	streamCtx *streamcontext.Context
	events    *eventstore.Store

	monitorInterval time.Duration

	mu              sync.Mutex
	betweenQueue    []scheduled
	beforeEnd       []timedTrigger
	afterStart      []timedTrigger
	firedBeforeEnd  map[int]struct{}
	firedAfterStart map[int]struct{}

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Scheduler. Call Start to subscribe to the stream
// context's events and launch the after_start monitor loop.
func New(tts TTSService, mixerClient *mixer.Client, streamCtx *streamcontext.Context, events *eventstore.Store) *Scheduler {
	return &Scheduler{
		tts:             tts,
		mixer:           mixerClient,
		streamCtx:       streamCtx,
		events:          events,
		monitorInterval: DefaultMonitorInterval,
		firedBeforeEnd:  make(map[int]struct{}),
		firedAfterStart: make(map[int]struct{}),
		rootCtx:         context.Background(),
	}
}

// Start subscribes to stream context events and launches the monitor loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.rootCtx = ctx
	s.streamCtx.On("track_changed", func(payload any) { s.onTrackChanged() })
	s.streamCtx.On("track_ending", func(payload any) { s.onTrackEnding(payload) })

	monitorCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.monitorLoop(monitorCtx)
	return nil
}

// Stop cancels the monitor loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Submit is the scheduler's one public entry point. Malformed triggers are
// logged and dropped, never crash the caller.
func (s *Scheduler) Submit(ctx context.Context, segment VoiceSegment) error {
	kind, threshold, err := trigger.Parse(segment.Trigger)
	if err != nil {
		slog.Warn("voice: dropping segment with malformed trigger", "trigger", segment.Trigger, "source", segment.SourcePlugin, "error", err)
		return err
	}

	preview := truncate(segment.Text, 40)
	lane := segment.SourcePlugin
	if lane == "" {
		lane = "unknown"
	}

	switch kind {
	case trigger.ASAP:
		if segment.Priority < 0 {
			return s.submitInterrupt(ctx, segment, lane, preview)
		}
		return s.submitASAP(ctx, segment, lane, preview)
	case trigger.BetweenSongs:
		return s.submitBetweenSongs(ctx, segment, lane, preview)
	case trigger.Bridge:
		return s.submitBridge(ctx, segment, lane, preview)
	case trigger.BeforeEnd:
		return s.submitBeforeEnd(ctx, segment, lane, preview, threshold)
	case trigger.AfterStart:
		return s.submitAfterStart(ctx, segment, lane, preview, threshold)
	}
	return nil
}

func (s *Scheduler) startEvent(ctx context.Context, lane, preview, triggerLabel string, segment VoiceSegment, status string) int64 {
	id, err := s.events.StartEvent(ctx, "voice_segment", lane, preview, map[string]any{
		"trigger":          triggerLabel,
		"priority":         segment.Priority,
		"text":             segment.Text,
		"duration_seconds": segment.AudioDuration.Seconds(),
	}, status, time.Now())
	if err != nil {
		slog.Error("voice: failed to schedule timeline event", "error", err)
	}
	return id
}

func (s *Scheduler) submitASAP(ctx context.Context, segment VoiceSegment, lane, preview string) error {
	id := s.startEvent(ctx, lane, preview, "asap", segment, eventstore.StatusActive)
	s.play(ctx, scheduled{segment: segment, eventID: id})
	return nil
}

func (s *Scheduler) submitInterrupt(ctx context.Context, segment VoiceSegment, lane, preview string) error {
	id := s.startEvent(ctx, lane, preview, "asap", segment, eventstore.StatusActive)
	item := scheduled{segment: segment, eventID: id}

	if err := s.mixer.FlushTTS(ctx); err != nil {
		slog.Error("voice: failed to flush TTS queue for interrupt", "error", err)
	}

	s.mu.Lock()
	var kept, cancelled []scheduled
	for _, q := range s.betweenQueue {
		if q.segment.Priority <= segment.Priority {
			kept = append(kept, q)
		} else {
			cancelled = append(cancelled, q)
		}
	}
	s.betweenQueue = kept
	s.mu.Unlock()

	for _, c := range cancelled {
		if err := s.events.EndEvent(ctx, c.eventID, eventstore.StatusCancelled, nil); err != nil {
			slog.Error("voice: failed to cancel lower-priority segment", "error", err)
		}
	}
	slog.Info("voice: interrupt flushed TTS queue", "cancelled", len(cancelled))

	s.play(ctx, item)
	return nil
}

func (s *Scheduler) submitBetweenSongs(ctx context.Context, segment VoiceSegment, lane, preview string) error {
	id := s.startEvent(ctx, lane, preview, "between_songs", segment, eventstore.StatusScheduled)
	s.mu.Lock()
	s.betweenQueue = append(s.betweenQueue, scheduled{segment: segment, eventID: id})
	s.mu.Unlock()
	return nil
}

// submitBridge computes the trigger_at offset so the voice midpoint aligns
// with the crossfade midpoint, per §4.6: (voice_duration + crossfade) / 2
// seconds before the track ends. A non-positive AudioDuration falls back to
// before_end:crossfade_duration.
func (s *Scheduler) submitBridge(ctx context.Context, segment VoiceSegment, lane, preview string) error {
	crossfade := time.Duration(s.mixer.GetCrossfadeDuration(ctx) * float64(time.Second))

	var triggerAt time.Duration
	if segment.AudioDuration <= 0 {
		slog.Warn("voice: bridge segment has no audio duration, falling back to before_end", "crossfade", crossfade)
		triggerAt = crossfade
	} else {
		triggerAt = (segment.AudioDuration + crossfade) / 2
	}

	id := s.startEvent(ctx, lane, preview, "bridge", segment, eventstore.StatusScheduled)
	s.mu.Lock()
	s.beforeEnd = append(s.beforeEnd, timedTrigger{threshold: triggerAt, item: scheduled{segment: segment, eventID: id}})
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) submitBeforeEnd(ctx context.Context, segment VoiceSegment, lane, preview string, threshold time.Duration) error {
	id := s.startEvent(ctx, lane, preview, segment.Trigger, segment, eventstore.StatusScheduled)
	s.mu.Lock()
	s.beforeEnd = append(s.beforeEnd, timedTrigger{threshold: threshold, item: scheduled{segment: segment, eventID: id}})
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) submitAfterStart(ctx context.Context, segment VoiceSegment, lane, preview string, threshold time.Duration) error {
	id := s.startEvent(ctx, lane, preview, segment.Trigger, segment, eventstore.StatusScheduled)
	s.mu.Lock()
	s.afterStart = append(s.afterStart, timedTrigger{threshold: threshold, item: scheduled{segment: segment, eventID: id}})
	s.mu.Unlock()
	return nil
}

// play runs a segment's full lifecycle: mark active, generate or reuse
// audio, honor silences, route through the mixer, and close the event.
func (s *Scheduler) play(ctx context.Context, item scheduled) {
	active := eventstore.StatusActive
	if err := s.events.UpdateEvent(ctx, item.eventID, eventstore.EventPatch{Status: &active}); err != nil {
		slog.Error("voice: failed to mark segment active", "error", err)
	}

	audioPath := item.segment.PreGeneratedAudio
	if audioPath == "" || !fileExists(audioPath) {
		path, _, err := s.tts.Speak(ctx, item.segment.Text, item.segment.Speaker, item.segment.Instruct)
		if err != nil {
			slog.Error("voice: TTS generation failed", "source", item.segment.SourcePlugin, "error", err)
			if err := s.events.EndEvent(ctx, item.eventID, eventstore.StatusFailed, nil); err != nil {
				slog.Error("voice: failed to mark segment failed", "error", err)
			}
			return
		}
		audioPath = path
	}

	if item.segment.LeadingSilence > 0 {
		time.Sleep(item.segment.LeadingSilence)
	}

	if err := s.queueWithMixMode(ctx, audioPath, item.segment.MixMode); err != nil {
		slog.Error("voice: failed to queue segment to mixer", "source", item.segment.SourcePlugin, "error", err)
		if err := s.events.EndEvent(ctx, item.eventID, eventstore.StatusFailed, nil); err != nil {
			slog.Error("voice: failed to mark segment failed", "error", err)
		}
		return
	}

	if item.segment.TrailingSilence > 0 {
		time.Sleep(item.segment.TrailingSilence)
	}

	if err := s.events.EndEvent(ctx, item.eventID, eventstore.StatusCompleted, nil); err != nil {
		slog.Error("voice: failed to mark segment completed", "error", err)
	}
}

// queueWithMixMode routes audio through the mixer per mix mode. gentle_duck
// temporarily raises duck_amount without persisting it, then restores the
// original value after a conservative delay meant to outlast the segment.
func (s *Scheduler) queueWithMixMode(ctx context.Context, audioPath string, mode MixMode) error {
	switch mode {
	case MixOverlay:
		return s.mixer.QueueEarcon(ctx, audioPath)

	case MixGentleDuck:
		original := s.mixer.GetVolumes(ctx).DuckAmount
		if err := s.mixer.SetDuckAmount(ctx, 0.25, false); err != nil {
			return err
		}
		if err := s.mixer.QueueTTS(ctx, audioPath); err != nil {
			return err
		}
		time.AfterFunc(gentleDuckRestoreDelay, func() {
			restoreCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.mixer.SetDuckAmount(restoreCtx, original, false); err != nil {
				slog.Warn("voice: failed to restore duck amount after gentle_duck", "error", err)
			}
		})
		return nil

	default: // MixDuck and the zero value both mean standard ducking.
		return s.mixer.QueueTTS(ctx, audioPath)
	}
}

// onTrackChanged flushes the between-songs queue in ascending priority
// order and clears both timed-trigger lists and their fired-state, per
// §4.6's per-track fire-tracking.
func (s *Scheduler) onTrackChanged() {
	s.mu.Lock()
	s.beforeEnd = nil
	s.afterStart = nil
	s.firedBeforeEnd = make(map[int]struct{})
	s.firedAfterStart = make(map[int]struct{})

	queue := s.betweenQueue
	s.betweenQueue = nil
	s.mu.Unlock()

	if len(queue) == 0 {
		return
	}

	sort.Slice(queue, func(i, j int) bool { return queue[i].segment.Priority < queue[j].segment.Priority })
	slog.Info("voice: flushing between-songs queue", "count", len(queue))
	for _, item := range queue {
		s.play(s.rootCtx, item)
	}
}

// onTrackEnding evaluates before_end triggers against the reported
// remaining time. The check is level-triggered, not edge-triggered: a
// trigger registered after its threshold was already crossed still fires on
// this, its first evaluation.
func (s *Scheduler) onTrackEnding(payload any) {
	remaining, ok := payload.(time.Duration)
	if !ok {
		return
	}

	s.mu.Lock()
	var toFire []scheduled
	for i, t := range s.beforeEnd {
		if _, fired := s.firedBeforeEnd[i]; fired {
			continue
		}
		if remaining <= t.threshold {
			s.firedBeforeEnd[i] = struct{}{}
			toFire = append(toFire, t.item)
		}
	}
	s.mu.Unlock()

	for _, item := range toFire {
		s.play(s.rootCtx, item)
	}
}

func (s *Scheduler) checkAfterStart(ctx context.Context) {
	elapsed := s.streamCtx.Elapsed()
	if elapsed <= 0 {
		return
	}

	s.mu.Lock()
	var toFire []scheduled
	for i, t := range s.afterStart {
		if _, fired := s.firedAfterStart[i]; fired {
			continue
		}
		if elapsed >= t.threshold {
			s.firedAfterStart[i] = struct{}{}
			toFire = append(toFire, t.item)
		}
	}
	s.mu.Unlock()

	for _, item := range toFire {
		s.play(ctx, item)
	}
}

func (s *Scheduler) monitorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAfterStartRecovered(ctx)
		}
	}
}

func (s *Scheduler) checkAfterStartRecovered(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("voice: monitor loop panic recovered", "error", r)
		}
	}()
	s.checkAfterStart(ctx)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
