package configstore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Set(ctx, "mixer", "duck_amount", 0.2); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got float64
	if err := s.Get(ctx, "mixer", "duck_amount", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 0.2 {
		t.Fatalf("expected 0.2, got %v", got)
	}
}

func TestGetSection(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Set(ctx, "mixer", "duck_amount", 0.2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "mixer", "crossfade_duration", 5.0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "other", "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	section, err := s.GetSection(ctx, "mixer")
	if err != nil {
		t.Fatalf("GetSection: %v", err)
	}
	if len(section) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(section))
	}
}

func TestListEnabledPluginsEmptyOnFreshStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	refs, err := s.ListEnabledPlugins(ctx)
	if err != nil {
		t.Fatalf("ListEnabledPlugins: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected empty registry in a fresh store, got %d", len(refs))
	}
}
