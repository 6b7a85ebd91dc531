package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFingerprintStableAcrossRescans(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "song.mp3", "fake audio bytes")

	a, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Fatalf("expected stable fingerprint, got %s vs %s", a, b)
	}

	if err := os.WriteFile(path, []byte("different audio bytes, longer than before"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	c, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a == c {
		t.Fatalf("expected fingerprint to change after content changed")
	}
}

func TestParseFromPathArtistTitleSplit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "albums/Nowhere/Artist Name - Cool Song.mp3", "x")

	track := &Track{}
	parseFromPath(track, path)

	if track.Artist != "Artist Name" || track.Title != "Cool Song" {
		t.Fatalf("unexpected parse: %+v", track)
	}
}

func TestParseFromPathDigitsPromoteParentAsArtist(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "albums/The Artist/03 - Track Title.mp3", "x")

	track := &Track{}
	parseFromPath(track, path)

	if track.Artist != "The Artist" || track.Title != "Track Title" {
		t.Fatalf("unexpected parse: %+v", track)
	}
}

func TestParseFromPathStripsLeadingOrdinal(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "albums/Solo Artist/04. Untitled.mp3", "x")

	track := &Track{}
	parseFromPath(track, path)

	if track.Title != "Untitled" {
		t.Fatalf("expected stripped title, got %q", track.Title)
	}
	if track.Artist != "Solo Artist" {
		t.Fatalf("expected parent dir as artist, got %q", track.Artist)
	}
}

func TestScanDirectorySkipsUnsupportedExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "song.mp3", "x")
	writeFile(t, dir, "notes.txt", "x")

	result, err := ScanDirectory(dir)
	if err != nil {
		t.Fatalf("ScanDirectory: %v", err)
	}
	if len(result.Tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(result.Tracks))
	}
}

func TestStoreUpsertAndFindByBasename(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	track := &Track{FilePath: "/music/a/song.mp3", Artist: "A", Title: "Song"}
	if err := s.Upsert(ctx, track); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	found, ok := s.FindByBasename("song.mp3")
	if !ok {
		t.Fatalf("expected to find track by basename")
	}
	if found.Artist != "A" {
		t.Fatalf("unexpected track: %+v", found)
	}
}

func TestStoreUpsertPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "library.db")

	s1, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Upsert(ctx, &Track{FilePath: "/music/a.mp3", Title: "A"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	if s2.Count() != 1 {
		t.Fatalf("expected 1 track after reopen, got %d", s2.Count())
	}
}
