package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arung-agamani/radiodan-bridge/internal/dbutil"
	"github.com/arung-agamani/radiodan-bridge/internal/eventstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS playlist_queue (
	position INTEGER PRIMARY KEY,
	file_path TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	tts_status TEXT NOT NULL DEFAULT 'pending',
	tts_path TEXT
);

CREATE TABLE IF NOT EXISTS playlist_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL,
	played_at TEXT NOT NULL,
	planned_position INTEGER NOT NULL DEFAULT 0
);
`

// historyRetention bounds how many rows the persistent history ring keeps on
// disk; the in-memory tail stays capped at DefaultHistoryCap regardless.
const historyRetention = 500

// Store is the SQLite-backed persistence for the lookahead queue and play
// history. The z_stagger bit is kept inside the metadata blob since the
// queue table has no dedicated column for it.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the planner store at dbPath.
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
		return nil, fmt.Errorf("planner: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

type persistedMetadata struct {
	ZStagger int            `json:"z_stagger"`
	EventID  int64          `json:"event_id"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// PersistQueue replaces the entire persisted queue with entries, atomically.
// The planner is the single source of truth for ordering; a partial write
// would leave stale rows at positions beyond the new length.
func (s *Store) PersistQueue(ctx context.Context, entries []QueueEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("planner: persist_queue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM playlist_queue`); err != nil {
		return fmt.Errorf("planner: persist_queue: %w", err)
	}

	for _, e := range entries {
		raw, err := json.Marshal(persistedMetadata{ZStagger: e.ZStagger, EventID: e.EventID, Extra: e.Metadata})
		if err != nil {
			return fmt.Errorf("planner: persist_queue: marshal metadata: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO playlist_queue (position, file_path, metadata, tts_status, tts_path)
			VALUES (?, ?, ?, ?, ?)
		`, e.Position, e.FilePath, string(raw), e.TTSStatus, e.TTSPath); err != nil {
			return fmt.Errorf("planner: persist_queue: %w", err)
		}
	}

	return tx.Commit()
}

// LoadQueue reads the persisted queue back, ordered by position. Event ids
// are always reset to eventstore.NoEventID: the store's own start-of-run
// recovery has already cancelled any event those ids pointed to, so keeping
// them would leave the queue referencing timeline rows that no longer
// reflect reality.
func (s *Store) LoadQueue(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, file_path, metadata, tts_status, tts_path
		FROM playlist_queue
		ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("planner: load_queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var raw string
		var ttsPath sql.NullString

		if err := rows.Scan(&e.Position, &e.FilePath, &raw, &e.TTSStatus, &ttsPath); err != nil {
			return nil, fmt.Errorf("planner: load_queue: %w", err)
		}
		if ttsPath.Valid {
			e.TTSPath = ttsPath.String
		}

		var meta persistedMetadata
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			e.ZStagger = meta.ZStagger
			e.Metadata = meta.Extra
		}
		e.EventID = eventstore.NoEventID

		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendHistory records a play and trims the persisted ring to
// historyRetention rows.
func (s *Store) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO playlist_history (file_path, played_at, planned_position)
		VALUES (?, ?, ?)
	`, entry.FilePath, entry.PlayedAt.UTC().Format(time.RFC3339Nano), entry.PlannedPosition); err != nil {
		return fmt.Errorf("planner: append_history: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM playlist_history
		WHERE id NOT IN (SELECT id FROM playlist_history ORDER BY id DESC LIMIT ?)
	`, historyRetention); err != nil {
		return fmt.Errorf("planner: append_history: trim: %w", err)
	}

	return nil
}

// GetHistory returns up to limit of the most recently played entries, most
// recent first.
func (s *Store) GetHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, played_at, planned_position
		FROM playlist_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("planner: get_history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var playedAt string
		if err := rows.Scan(&e.FilePath, &playedAt, &e.PlannedPosition); err != nil {
			return nil, fmt.Errorf("planner: get_history: %w", err)
		}
		e.PlayedAt, _ = time.Parse(time.RFC3339Nano, playedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle. Only call this when the
// store owns its own *sql.DB (i.e. was created via Open, not OpenWithDB).
func (s *Store) Close() error {
	return s.db.Close()
}
