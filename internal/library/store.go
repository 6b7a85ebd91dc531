package library

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/arung-agamani/radiodan-bridge/internal/dbutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS music_library (
	file_path TEXT PRIMARY KEY,
	artist TEXT,
	title TEXT,
	album TEXT,
	genre TEXT,
	year TEXT,
	duration_seconds REAL,
	file_hash TEXT,
	last_scanned TEXT
);
`

// Store is the SQLite-backed music_library table, with an in-memory cache so
// the planner's selection strategy never blocks on disk I/O for reads.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*Track // file_path -> track
}

// Open opens (creating if needed) the library store at dbPath and loads the
// existing rows into the in-memory cache.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := dbutil.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return newStore(ctx, db)
}

// OpenWithDB wraps an already-open *sql.DB, letting callers share one
// connection across the event store, library, planner, and config store.
func OpenWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("library: migrate: %w", err)
	}

	s := &Store{db: db, cache: make(map[string]*Track)}
	if err := s.reload(ctx); err != nil {
		return nil, fmt.Errorf("library: initial load: %w", err)
	}
	return s, nil
}

func (s *Store) reload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, artist, title, album, genre, year, duration_seconds, file_hash, last_scanned
		FROM music_library
	`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	cache := make(map[string]*Track)
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return err
		}
		cache[t.FilePath] = t
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (*Track, error) {
	var t Track
	var durationSeconds float64
	var lastScanned string

	if err := row.Scan(&t.FilePath, &t.Artist, &t.Title, &t.Album, &t.Genre, &t.Year, &durationSeconds, &t.FileHash, &lastScanned); err != nil {
		return nil, err
	}
	t.DurationSeconds = int(durationSeconds)
	t.LastScanned, _ = time.Parse(time.RFC3339, lastScanned)
	return &t, nil
}

// Upsert inserts or updates a track by file_path, refreshing the cache.
func (s *Store) Upsert(ctx context.Context, t *Track) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO music_library (file_path, artist, title, album, genre, year, duration_seconds, file_hash, last_scanned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			artist = excluded.artist,
			title = excluded.title,
			album = excluded.album,
			genre = excluded.genre,
			year = excluded.year,
			duration_seconds = excluded.duration_seconds,
			file_hash = excluded.file_hash,
			last_scanned = excluded.last_scanned
	`, t.FilePath, t.Artist, t.Title, t.Album, t.Genre, t.Year, t.DurationSeconds, t.FileHash, t.LastScanned.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("library: upsert %s: %w", t.FilePath, err)
	}

	s.mu.Lock()
	s.cache[t.FilePath] = t
	s.mu.Unlock()
	return nil
}

// Get returns the cached track at the given file path, if any.
func (s *Store) Get(filePath string) (*Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cache[filePath]
	return t, ok
}

// FindByBasename returns the first cached track whose filename matches
// basename, used by Stream Context's enrichment policy (§4.5.1) to resolve
// the engine's reported filename against planner-owned metadata.
func (s *Store) FindByBasename(basename string) (*Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.cache {
		if filepath.Base(t.FilePath) == basename {
			return t, true
		}
	}
	return nil, false
}

// List returns a snapshot of every cached track. The planner treats this as
// its bulk library list, refreshed whenever a scan upserts new rows.
func (s *Store) List() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Track, 0, len(s.cache))
	for _, t := range s.cache {
		out = append(out, t)
	}
	return out
}

// Count returns the number of tracks currently cached.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Close closes the underlying database handle. Only call this when the
// store owns its own *sql.DB (i.e. was created via Open, not OpenWithDB).
func (s *Store) Close() error {
	return s.db.Close()
}
