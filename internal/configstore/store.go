// Package configstore persists small section/key/value settings (mixer
// scalars, the random-mode flag) and exposes a narrow read-only view of the
// plugin instance registry the out-of-core plugin front-end owns.
package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/arung-agamani/radiodan-bridge/internal/dbutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS config (
	section TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (section, key)
);

CREATE TABLE IF NOT EXISTS plugin_instances (
	id TEXT PRIMARY KEY,
	plugin_type TEXT NOT NULL,
	display_name TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	config TEXT NOT NULL DEFAULT '{}',
	sort_order INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store is the SQLite-backed config/plugin-registry reader.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the config store at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := dbutil.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenWithDB wraps an already-open *sql.DB, letting callers share one
// connection across the event store, library, planner, and config store.
func OpenWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("configstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Set upserts a JSON-encoded value under (section, key).
func (s *Store) Set(ctx context.Context, section, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("configstore: marshal %s.%s: %w", section, key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config (section, key, value) VALUES (?, ?, ?)
		ON CONFLICT(section, key) DO UPDATE SET value = excluded.value
	`, section, key, string(raw))
	if err != nil {
		return fmt.Errorf("configstore: set %s.%s: %w", section, key, err)
	}
	return nil
}

// Get reads and unmarshals the value stored at (section, key) into dest.
// Returns sql.ErrNoRows if the key is unset.
func (s *Store) Get(ctx context.Context, section, key string, dest any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE section = ? AND key = ?`, section, key).Scan(&raw)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}

// GetSection returns every key/value pair stored under a section, decoded to
// a generic map (each value already unmarshalled from its JSON encoding).
func (s *Store) GetSection(ctx context.Context, section string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config WHERE section = ?`, section)
	if err != nil {
		return nil, fmt.Errorf("configstore: get_section %s: %w", section, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			out[key] = v
		}
	}
	return out, rows.Err()
}

// PluginInstanceRef is the narrow slice of a plugin_instances row this
// module needs to decide which plugins are enabled at startup. Full CRUD on
// this table belongs to the out-of-core plugin front-end.
type PluginInstanceRef struct {
	ID          string
	PluginType  string
	DisplayName string
	Enabled     bool
	SortOrder   int
}

// ListEnabledPlugins returns enabled plugin_instances rows ordered by
// sort_order, for startup wiring only; this store never writes to this
// table.
func (s *Store) ListEnabledPlugins(ctx context.Context) ([]PluginInstanceRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plugin_type, display_name, enabled, sort_order
		FROM plugin_instances
		WHERE enabled = 1
		ORDER BY sort_order
	`)
	if err != nil {
		return nil, fmt.Errorf("configstore: list_enabled_plugins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PluginInstanceRef
	for rows.Next() {
		var ref PluginInstanceRef
		var enabled int
		if err := rows.Scan(&ref.ID, &ref.PluginType, &ref.DisplayName, &enabled, &ref.SortOrder); err != nil {
			return nil, err
		}
		ref.Enabled = enabled != 0
		out = append(out, ref)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle. Only call this when the
// store owns its own *sql.DB (i.e. was created via Open, not OpenWithDB).
func (s *Store) Close() error {
	return s.db.Close()
}
