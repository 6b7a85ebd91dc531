package library

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"
)

// ScanResult collects the tracks found during a directory walk along with
// any per-file errors that did not abort the scan.
type ScanResult struct {
	Tracks []*Track
	Errors map[string]error
}

// ScanDirectory walks root recursively, extracting metadata for every
// recognized audio file. A single unreadable file never aborts the scan: its
// error is recorded in ScanResult.Errors and the walk continues.
func ScanDirectory(root string) (*ScanResult, error) {
	result := &ScanResult{Errors: make(map[string]error)}

	err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			result.Errors[path] = err
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if !IsAudioFile(path) {
			return nil
		}

		track, terr := NewTrackFromFile(path)
		if terr != nil {
			result.Errors[path] = terr
			return nil
		}
		result.Tracks = append(result.Tracks, track)
		return nil
	})
	if err != nil {
		return result, err
	}

	return result, nil
}

// Scanner owns a periodic rescan loop and the SQLite-backed library store.
type Scanner struct {
	root         string
	store        *Store
	scanInterval time.Duration
}

// NewScanner creates a Scanner rooted at dir, persisting into store.
func NewScanner(dir string, store *Store, scanInterval time.Duration) *Scanner {
	if scanInterval <= 0 {
		scanInterval = 10 * time.Minute
	}
	return &Scanner{root: dir, store: store, scanInterval: scanInterval}
}

// ScanOnce runs a single scan pass and upserts every track found. It is safe
// to call from a worker goroutine; it never touches the polling loops.
func (s *Scanner) ScanOnce(ctx context.Context) (*ScanResult, error) {
	result, err := ScanDirectory(s.root)
	if err != nil {
		return result, err
	}

	for _, t := range result.Tracks {
		if err := s.store.Upsert(ctx, t); err != nil {
			result.Errors[t.FilePath] = err
		}
	}

	slog.Info("library: scan complete",
		"root", s.root,
		"tracks", len(result.Tracks),
		"errors", len(result.Errors),
	)
	return result, nil
}

// Run launches ScanOnce immediately, then repeats every scanInterval until
// ctx is cancelled. File I/O happens entirely on this goroutine, never on the
// stream-context or voice-scheduler polling loops.
func (s *Scanner) Run(ctx context.Context) {
	if _, err := s.ScanOnce(ctx); err != nil {
		slog.Error("library: initial scan failed", "error", err)
	}

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil {
				slog.Error("library: rescan failed", "error", err)
			}
		}
	}
}
