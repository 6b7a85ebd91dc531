package planner

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/arung-agamani/radiodan-bridge/internal/eventstore"
	"github.com/arung-agamani/radiodan-bridge/internal/library"
	"github.com/arung-agamani/radiodan-bridge/internal/mixer"
)

// fakeEngine is a minimal stand-in for the external audio engine's control
// socket: it accepts one connection per command and replies per the same
// line protocol the real client speaks.
type fakeEngine struct {
	ln       net.Listener
	pushed   chan string
	qLength  int
	crossfade string
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fe := &fakeEngine{ln: ln, pushed: make(chan string, 64), crossfade: "3.0"}
	go fe.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return fe
}

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
		case line == "music_q.queue_length":
			fmt.Fprintf(conn, "%d\nEND\n", fe.qLength)
		case line == "var.get crossfade_duration":
			fmt.Fprintf(conn, "%s\nEND\n", fe.crossfade)
		case len(line) >= len("music_q.push ") && line[:len("music_q.push ")] == "music_q.push ":
			fe.pushed <- line[len("music_q.push "):]
			fmt.Fprintf(conn, "ok\nEND\n")
		case line == "quit":
			return
		default:
			fmt.Fprintf(conn, "ok\nEND\n")
		}
	}
}

func (fe *fakeEngine) addr() string {
	return fe.ln.Addr().String()
}

// fixedFeeder always returns the next track from a fixed, cyclic list.
type fixedFeeder struct {
	tracks []*library.Track
	i      int
}

func (f *fixedFeeder) SelectNext(_ []*library.Track, _ []HistoryEntry, _ []QueueEntry) (*library.Track, bool) {
	if len(f.tracks) == 0 {
		return nil, false
	}
	t := f.tracks[f.i%len(f.tracks)]
	f.i++
	return t, true
}

func newTestPlanner(t *testing.T, lookahead int) (*Planner, *fakeEngine) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	libStore, err := library.Open(ctx, filepath.Join(dir, "library.db"))
	if err != nil {
		t.Fatalf("library.Open: %v", err)
	}
	t.Cleanup(func() { _ = libStore.Close() })

	for i := 1; i <= 3; i++ {
		track := &library.Track{
			FilePath:        filepath.Join("/music", fmt.Sprintf("track%d.mp3", i)),
			Artist:          "Artist",
			Title:           fmt.Sprintf("Track %d", i),
			DurationSeconds: 200,
		}
		if err := libStore.Upsert(ctx, track); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	plannerStore, err := Open(ctx, filepath.Join(dir, "planner.db"))
	if err != nil {
		t.Fatalf("planner Open: %v", err)
	}
	t.Cleanup(func() { _ = plannerStore.Close() })

	events, err := eventstore.Open(ctx, filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	t.Cleanup(events.Close)

	fe := newFakeEngine(t)
	mixerClient := mixer.New(fe.addr(), nil, nil)
	if err := mixerClient.Start(ctx); err != nil {
		t.Fatalf("mixer Start: %v", err)
	}

	p := New(libStore, plannerStore, mixerClient, events, lookahead)
	return p, fe
}

func TestFreshStartFillsQueueToLookahead(t *testing.T) {
	ctx := context.Background()
	p, fe := newTestPlanner(t, 3)

	if err := p.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	tracks := []*library.Track{
		{FilePath: "/music/track1.mp3"},
		{FilePath: "/music/track2.mp3"},
		{FilePath: "/music/track3.mp3"},
	}
	p.SetFeeder(ctx, &fixedFeeder{tracks: tracks})

	// Drive the fill synchronously instead of waiting on the deferred
	// backoff goroutine.
	p.mu.Lock()
	if err := p.fillUnsafe(ctx); err != nil {
		t.Fatalf("fillUnsafe: %v", err)
	}
	got := len(p.upcoming)
	p.mu.Unlock()
	p.StopFill()

	if got != 3 {
		t.Fatalf("expected queue length 3, got %d", got)
	}

	for i := 0; i < 3; i++ {
		select {
		case path := <-fe.pushed:
			if filepath.Base(path) != fmt.Sprintf("track%d.mp3", i+1) {
				t.Fatalf("unexpected push order: %s", path)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected a push for track %d", i+1)
		}
	}
}

func TestAdvanceRotatesQueueAndRefills(t *testing.T) {
	ctx := context.Background()
	p, fe := newTestPlanner(t, 2)

	if err := p.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	feeder := &fixedFeeder{tracks: []*library.Track{
		{FilePath: "/music/track1.mp3"},
		{FilePath: "/music/track2.mp3"},
		{FilePath: "/music/track3.mp3"},
	}}
	p.SetFeeder(ctx, feeder)
	p.mu.Lock()
	_ = p.fillUnsafe(ctx)
	p.mu.Unlock()
	p.StopFill()
	for i := 0; i < 2; i++ {
		<-fe.pushed
	}

	if err := p.Advance(ctx, "track1.mp3", TrackTiming{Remaining: 0, Elapsed: 3 * time.Minute}, false); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	upcoming := p.Upcoming()
	if len(upcoming) != 2 {
		t.Fatalf("expected queue refilled to 2 entries, got %d", len(upcoming))
	}
	if filepath.Base(upcoming[0].FilePath) != "track2.mp3" {
		t.Fatalf("expected track2 to be next, got %s", upcoming[0].FilePath)
	}

	select {
	case path := <-fe.pushed:
		if filepath.Base(path) != "track3.mp3" {
			t.Fatalf("expected track3 pushed to refill the queue, got %s", path)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a refill push")
	}

	history, err := p.GetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 1 || filepath.Base(history[0].FilePath) != "track1.mp3" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestAdvanceMarksSkippedPreviousTrackEventAsSkipped(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPlanner(t, 2)

	if err := p.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	feeder := &fixedFeeder{tracks: []*library.Track{
		{FilePath: "/music/track1.mp3"},
		{FilePath: "/music/track2.mp3"},
	}}
	p.SetFeeder(ctx, feeder)
	p.mu.Lock()
	_ = p.fillUnsafe(ctx)
	p.mu.Unlock()
	p.StopFill()

	// Track 1 starts playing: this activates its scheduled event.
	if err := p.Advance(ctx, "track1.mp3", TrackTiming{Remaining: 3 * time.Minute}, false); err != nil {
		t.Fatalf("Advance (track1 start): %v", err)
	}
	track1EventID := p.currentTrackEventID

	// The listener skips ahead to track 2, reporting track 1 as skipped.
	if err := p.Advance(ctx, "track2.mp3", TrackTiming{Remaining: 3 * time.Minute}, true); err != nil {
		t.Fatalf("Advance (skip to track2): %v", err)
	}

	events, err := p.events.GetWindow(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), nil)
	if err != nil {
		t.Fatalf("GetWindow: %v", err)
	}
	found := false
	for _, e := range events {
		if e.ID == track1EventID {
			found = true
			if e.Status != eventstore.StatusSkipped {
				t.Fatalf("expected status skipped, got %s", e.Status)
			}
		}
	}
	if !found {
		t.Fatalf("expected to find event %d in window", track1EventID)
	}
}

func TestRemoveTrackMarksEventSkipped(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPlanner(t, 3)

	if err := p.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	feeder := &fixedFeeder{tracks: []*library.Track{
		{FilePath: "/music/track1.mp3"},
		{FilePath: "/music/track2.mp3"},
	}}
	p.SetFeeder(ctx, feeder)
	p.mu.Lock()
	_ = p.fillUnsafe(ctx)
	p.mu.Unlock()
	p.StopFill()

	removedEventID := p.Upcoming()[0].EventID

	if err := p.RemoveTrack(ctx, 0); err != nil {
		t.Fatalf("RemoveTrack: %v", err)
	}

	// Lookahead 3 over the cyclic two-track feeder queues track1, track2,
	// track1; removing the head leaves two entries.
	upcoming := p.Upcoming()
	if len(upcoming) != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", len(upcoming))
	}
	if upcoming[0].Position != 0 {
		t.Fatalf("expected renumbered position 0, got %d", upcoming[0].Position)
	}

	events, err := p.events.GetWindow(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), nil)
	if err != nil {
		t.Fatalf("GetWindow: %v", err)
	}
	found := false
	for _, e := range events {
		if e.ID == removedEventID {
			found = true
			if e.Status != eventstore.StatusSkipped {
				t.Fatalf("expected status skipped, got %s", e.Status)
			}
		}
	}
	if !found {
		t.Fatalf("expected to find event %d in window", removedEventID)
	}
}
