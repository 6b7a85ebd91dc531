package voice

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arung-agamani/radiodan-bridge/internal/eventstore"
	"github.com/arung-agamani/radiodan-bridge/internal/mixer"
	"github.com/arung-agamani/radiodan-bridge/internal/streamcontext"
)

// fakeEngine is the same goroutine-backed TCP stand-in the other packages
// in this module use instead of mocking the mixer.
type fakeEngine struct {
	ln net.Listener

	mu        sync.Mutex
	crossfade string
	pushedTTS []string
	pushedEar []string
	flushed   int
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fe := &fakeEngine{ln: ln, crossfade: "4.0"}
	go fe.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return fe
}

func (fe *fakeEngine) addr() string { return fe.ln.Addr().String() }

func (fe *fakeEngine) serve() {
	for {
		conn, err := fe.ln.Accept()
		if err != nil {
			return
		}
		go fe.handle(conn)
	}
}

func (fe *fakeEngine) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "version":
			fmt.Fprintf(conn, "ok\nEND\n")
		case line == "var.get crossfade_duration":
			fe.mu.Lock()
			cf := fe.crossfade
			fe.mu.Unlock()
			fmt.Fprintf(conn, "%s\nEND\n", cf)
		case strings.HasPrefix(line, "var.get"):
			fmt.Fprintf(conn, "0.15\nEND\n")
		case strings.HasPrefix(line, "var.set"):
			fmt.Fprintf(conn, "ok\nEND\n")
		case strings.HasPrefix(line, "tts.push "):
			fe.mu.Lock()
			fe.pushedTTS = append(fe.pushedTTS, strings.TrimPrefix(line, "tts.push "))
			fe.mu.Unlock()
			fmt.Fprintf(conn, "ok\nEND\n")
		case strings.HasPrefix(line, "earcons.push "):
			fe.mu.Lock()
			fe.pushedEar = append(fe.pushedEar, strings.TrimPrefix(line, "earcons.push "))
			fe.mu.Unlock()
			fmt.Fprintf(conn, "ok\nEND\n")
		case line == "tts.flush_and_skip":
			fe.mu.Lock()
			fe.flushed++
			fe.mu.Unlock()
			fmt.Fprintf(conn, "ok\nEND\n")
		case line == "quit":
			return
		default:
			fmt.Fprintf(conn, "ok\nEND\n")
		}
	}
}

func (fe *fakeEngine) ttsQueue() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return append([]string(nil), fe.pushedTTS...)
}

func (fe *fakeEngine) earconQueue() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return append([]string(nil), fe.pushedEar...)
}

func (fe *fakeEngine) flushCount() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.flushed
}

// stubTTS returns a fixed audio path without touching disk, with an
// optional injected error for failure-path tests.
type stubTTS struct {
	path string
	dur  time.Duration
	err  error
}

func (s *stubTTS) Speak(ctx context.Context, text string, speaker, instruct *string) (string, time.Duration, error) {
	if s.err != nil {
		return "", 0, s.err
	}
	return s.path, s.dur, nil
}

func openTestEventStore(t *testing.T) *eventstore.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	s, err := eventstore.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.CloseDB() })
	return s
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeEngine) {
	t.Helper()
	fe := newFakeEngine(t)
	mixerClient := mixer.New(fe.addr(), nil, nil)
	events := openTestEventStore(t)
	sc := streamcontext.New(mixerClient, nil, events, time.Hour, streamcontext.DefaultTrackEndingThreshold)
	sched := New(&stubTTS{path: "/tmp/voice.wav"}, mixerClient, sc, events)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sched.Stop)
	return sched, fe
}

func TestSubmitASAPPlaysImmediately(t *testing.T) {
	sched, fe := newTestScheduler(t)

	err := sched.Submit(context.Background(), VoiceSegment{
		Text:    "hello",
		Trigger: "asap",
		MixMode: MixDuck,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got := fe.ttsQueue(); len(got) != 1 {
		t.Fatalf("expected one TTS push, got %v", got)
	}
}

func TestSubmitOverlayUsesEarconQueue(t *testing.T) {
	sched, fe := newTestScheduler(t)

	err := sched.Submit(context.Background(), VoiceSegment{
		Text:    "ding",
		Trigger: "asap",
		MixMode: MixOverlay,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := fe.earconQueue(); len(got) != 1 {
		t.Fatalf("expected one earcon push, got %v", got)
	}
}

func TestMalformedTriggerIsRejected(t *testing.T) {
	sched, _ := newTestScheduler(t)
	err := sched.Submit(context.Background(), VoiceSegment{Text: "x", Trigger: "whenever"})
	if err == nil {
		t.Fatalf("expected an error for a malformed trigger")
	}
}

func TestInterruptCancelsLowerPriorityBetweenSongs(t *testing.T) {
	sched, fe := newTestScheduler(t)
	ctx := context.Background()

	if err := sched.Submit(ctx, VoiceSegment{Text: "low", Trigger: "between_songs", Priority: 5, MixMode: MixDuck}); err != nil {
		t.Fatalf("Submit low priority: %v", err)
	}

	sched.mu.Lock()
	queued := len(sched.betweenQueue)
	sched.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected the low-priority segment queued, got %d", queued)
	}

	if err := sched.Submit(ctx, VoiceSegment{Text: "urgent", Trigger: "asap", Priority: -1, MixMode: MixDuck}); err != nil {
		t.Fatalf("Submit interrupt: %v", err)
	}

	sched.mu.Lock()
	remaining := len(sched.betweenQueue)
	sched.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected the lower-priority segment cancelled, %d still queued", remaining)
	}
	if fe.flushCount() != 1 {
		t.Fatalf("expected exactly one TTS flush, got %d", fe.flushCount())
	}
	if got := fe.ttsQueue(); len(got) != 1 {
		t.Fatalf("expected only the interrupt segment to have played, got %v", got)
	}
}

func TestBridgeComputesMidpointTriggerAt(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	// crossfade is stubbed at 4.0s; a 10s voice segment should trigger at
	// (10 + 4) / 2 = 7s before the track ends.
	err := sched.Submit(ctx, VoiceSegment{
		Text:          "bridge line",
		Trigger:       "bridge",
		AudioDuration: 10 * time.Second,
		MixMode:       MixDuck,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.beforeEnd) != 1 {
		t.Fatalf("expected one before_end trigger registered, got %d", len(sched.beforeEnd))
	}
	want := 7 * time.Second
	if sched.beforeEnd[0].threshold != want {
		t.Fatalf("expected threshold %v, got %v", want, sched.beforeEnd[0].threshold)
	}
}

func TestOnTrackEndingFiresBeforeEndOnceAtThreshold(t *testing.T) {
	sched, fe := newTestScheduler(t)
	ctx := context.Background()

	if err := sched.Submit(ctx, VoiceSegment{Text: "outro", Trigger: "before_end:10", MixMode: MixDuck}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sched.onTrackEnding(12 * time.Second) // not yet below threshold
	if len(fe.ttsQueue()) != 0 {
		t.Fatalf("expected no fire above threshold")
	}

	sched.onTrackEnding(9 * time.Second) // crosses 10s threshold
	if len(fe.ttsQueue()) != 1 {
		t.Fatalf("expected exactly one fire once below threshold")
	}

	sched.onTrackEnding(5 * time.Second) // must not re-fire
	if len(fe.ttsQueue()) != 1 {
		t.Fatalf("expected no re-fire on a second below-threshold poll, got %d", len(fe.ttsQueue()))
	}
}

func TestOnTrackChangedFlushesBetweenQueueInPriorityOrder(t *testing.T) {
	sched, fe := newTestScheduler(t)
	ctx := context.Background()

	// Distinct pre-generated files make the push order observable.
	dir := t.TempDir()
	firstPath := filepath.Join(dir, "first.wav")
	secondPath := filepath.Join(dir, "second.wav")
	for _, p := range []string{firstPath, secondPath} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	if err := sched.Submit(ctx, VoiceSegment{Text: "second", Trigger: "between_songs", Priority: 5, MixMode: MixDuck, PreGeneratedAudio: secondPath}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := sched.Submit(ctx, VoiceSegment{Text: "first", Trigger: "between_songs", Priority: 1, MixMode: MixDuck, PreGeneratedAudio: firstPath}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sched.onTrackChanged()

	got := fe.ttsQueue()
	if len(got) != 2 {
		t.Fatalf("expected both segments played, got %v", got)
	}
	if got[0] != firstPath || got[1] != secondPath {
		t.Fatalf("expected priority 1 pushed before priority 5, got %v", got)
	}
}

func TestPlayMarksEventFailedOnTTSError(t *testing.T) {
	fe := newFakeEngine(t)
	mixerClient := mixer.New(fe.addr(), nil, nil)
	events := openTestEventStore(t)
	sc := streamcontext.New(mixerClient, nil, events, time.Hour, streamcontext.DefaultTrackEndingThreshold)
	sched := New(&stubTTS{err: fmt.Errorf("tts backend unavailable")}, mixerClient, sc, events)

	id, err := events.StartEvent(context.Background(), "voice_segment", "test", "x", nil, eventstore.StatusScheduled, time.Now())
	if err != nil {
		t.Fatalf("StartEvent: %v", err)
	}

	sched.play(context.Background(), scheduled{segment: VoiceSegment{Text: "x", MixMode: MixDuck}, eventID: id})

	window, err := events.GetWindow(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), nil)
	if err != nil {
		t.Fatalf("GetWindow: %v", err)
	}
	var found *eventstore.TimelineEvent
	for i := range window {
		if window[i].ID == id {
			found = &window[i]
		}
	}
	if found == nil {
		t.Fatalf("expected event %d to still exist", id)
	}
	if found.Status != eventstore.StatusFailed {
		t.Fatalf("expected status failed, got %s", found.Status)
	}
}

func TestFileExists(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "voice-*.wav")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	_ = f.Close()

	if !fileExists(f.Name()) {
		t.Fatalf("expected fileExists to find the created file")
	}
	if fileExists(f.Name() + ".missing") {
		t.Fatalf("expected fileExists to report false for a missing path")
	}
}
