// Package eventstore implements the broadcast timeline: a single
// append-with-update table plus a sparse detail side table, with live
// pub/sub for observers. It is not a general-purpose database.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arung-agamani/radiodan-bridge/internal/dbutil"
)

// ErrClosed is returned by callers that want to distinguish a closed store
// from a genuine query failure; the mutating operations themselves never
// return it; they silently no-op per the documented failure semantics.
var ErrClosed = errors.New("eventstore: closed")

const subscriberBuffer = 256

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	lane TEXT NOT NULL,
	title TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_detail (
	event_id INTEGER NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (event_id, key)
);

CREATE INDEX IF NOT EXISTS idx_event_log_started_at ON event_log(started_at);
CREATE INDEX IF NOT EXISTS idx_event_log_lane ON event_log(lane);
CREATE INDEX IF NOT EXISTS idx_event_log_status ON event_log(status);
`

// Store is the durable timeline with live pub/sub.
type Store struct {
	db *sql.DB

	mu     sync.Mutex // serializes writes so publish order matches commit order
	closed bool

	subMu       sync.RWMutex
	subscribers map[uuid.UUID]chan Message

	lastMusicZStaggerMu sync.RWMutex
	lastMusicZStagger   int
}

// Open opens (creating if needed) the event store at dbPath, ensures the
// schema exists, and runs crash recovery: any row left "active" or
// "scheduled" from a previous process is closed with ended_at := started_at.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := dbutil.Open(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:          db,
		subscribers: make(map[uuid.UUID]chan Message),
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}

	if err := s.recoverOrphans(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: recover: %w", err)
	}

	if err := s.loadLastMusicZStagger(ctx); err != nil {
		slog.Warn("eventstore: could not recover last music z_stagger", "error", err)
	}

	return s, nil
}

// recoverOrphans closes events that were mid-flight when the process died.
// active -> completed, scheduled -> cancelled, both zero-width (ended_at ==
// started_at) rather than stretched to "now".
func (s *Store) recoverOrphans(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE event_log SET ended_at = started_at, status = ? WHERE status = ?`,
		StatusCompleted, StatusActive,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE event_log SET ended_at = started_at, status = ? WHERE status = ?`,
		StatusCancelled, StatusScheduled,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) loadLastMusicZStagger(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT ed.value FROM event_detail ed
		JOIN event_log el ON el.id = ed.event_id
		WHERE el.lane = 'music' AND ed.key = 'z_stagger'
		ORDER BY el.created_at DESC, el.id DESC
		LIMIT 1
	`)

	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	var v int
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return err
	}

	s.lastMusicZStaggerMu.Lock()
	s.lastMusicZStagger = v
	s.lastMusicZStaggerMu.Unlock()
	return nil
}

// LastMusicZStagger returns the z_stagger bit recovered at open, used by the
// planner to resume the alternation across restarts.
func (s *Store) LastMusicZStagger() int {
	s.lastMusicZStaggerMu.RLock()
	defer s.lastMusicZStaggerMu.RUnlock()
	return s.lastMusicZStagger
}

// SetLastMusicZStagger lets the planner report the bit it just assigned, so
// the next restart resumes the alternation correctly even between Opens.
func (s *Store) SetLastMusicZStagger(v int) {
	s.lastMusicZStaggerMu.Lock()
	s.lastMusicZStagger = v
	s.lastMusicZStaggerMu.Unlock()
}

// LastMusicFilename queries (not caches) the filename detail of the most
// recent music-lane event.
func (s *Store) LastMusicFilename(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ed.value FROM event_detail ed
		JOIN event_log el ON el.id = ed.event_id
		WHERE el.lane = 'music' AND ed.key = 'filename'
		ORDER BY el.created_at DESC, el.id DESC
		LIMIT 1
	`)

	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}

	var v string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", err
	}
	return v, nil
}

// StartEvent inserts a new timeline row and publishes a "start" message. A
// closed store returns NoEventID without error, per the documented failure
// semantics.
func (s *Store) StartEvent(ctx context.Context, eventType, lane, title string, details map[string]any, status string, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NoEventID, nil
	}

	if status == "" {
		status = StatusActive
	}
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	createdAt := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NoEventID, fmt.Errorf("eventstore: start_event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_log (event_type, lane, title, started_at, ended_at, status, created_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)
	`, eventType, lane, title, formatTime(startedAt), status, formatTime(createdAt))
	if err != nil {
		return NoEventID, fmt.Errorf("eventstore: start_event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return NoEventID, fmt.Errorf("eventstore: start_event: %w", err)
	}

	if err := upsertDetails(ctx, tx, id, details); err != nil {
		return NoEventID, fmt.Errorf("eventstore: start_event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return NoEventID, fmt.Errorf("eventstore: start_event: %w", err)
	}

	event := TimelineEvent{
		ID: id, EventType: eventType, Lane: lane, Title: title,
		StartedAt: startedAt, Status: status, CreatedAt: createdAt, Details: details,
	}
	s.publish(Message{Action: ActionStart, Event: event})

	return id, nil
}

// EndEvent sets ended_at := now and the given status (default "completed"),
// upserting any extra details. A no-op on NoEventID or a closed store.
func (s *Store) EndEvent(ctx context.Context, id int64, status string, extraDetails map[string]any) error {
	if id == NoEventID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	if status == "" {
		status = StatusCompleted
	}
	endedAt := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: end_event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE event_log SET ended_at = ?, status = ? WHERE id = ?
	`, formatTime(endedAt), status, id)
	if err != nil {
		return fmt.Errorf("eventstore: end_event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if err := upsertDetails(ctx, tx, id, extraDetails); err != nil {
		return fmt.Errorf("eventstore: end_event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventstore: end_event: %w", err)
	}

	event, err := s.getEvent(ctx, id)
	if err == nil {
		s.publish(Message{Action: ActionEnd, Event: event})
	}
	return nil
}

// UpdateEvent patches only the fields present in patch (title, status,
// started_at, ended_at); any other intent is structurally impossible since
// EventPatch has no other fields. No-op on NoEventID or a closed store.
func (s *Store) UpdateEvent(ctx context.Context, id int64, patch EventPatch) error {
	if id == NoEventID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var sets []string
	var args []any

	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(*patch.StartedAt))
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, formatTime(*patch.EndedAt))
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE event_log SET %s WHERE id = ?", strings.Join(sets, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("eventstore: update_event: %w", err)
	}

	event, err := s.getEvent(ctx, id)
	if err == nil {
		s.publish(Message{Action: ActionUpdate, Event: event})
	}
	return nil
}

// GetWindow returns events whose [started_at, ended_at or +inf) interval
// intersects [start, end], ordered by started_at, optionally filtered to a
// set of lanes. Details are batch-joined in a second query.
func (s *Store) GetWindow(ctx context.Context, start, end time.Time, lanes []string) ([]TimelineEvent, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil
	}

	query := `
		SELECT id, event_type, lane, title, started_at, ended_at, status, created_at
		FROM event_log
		WHERE started_at <= ? AND (ended_at IS NULL OR ended_at >= ?)
	`
	args := []any{formatTime(end), formatTime(start)}

	if len(lanes) > 0 {
		placeholders := make([]string, len(lanes))
		for i, lane := range lanes {
			placeholders[i] = "?"
			args = append(args, lane)
		}
		query += fmt.Sprintf(" AND lane IN (%s)", strings.Join(placeholders, ", "))
	}
	query += " ORDER BY started_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get_window: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []TimelineEvent
	ids := make([]int64, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: get_window: %w", err)
		}
		events = append(events, ev)
		ids = append(ids, ev.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: get_window: %w", err)
	}

	details, err := s.batchDetails(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get_window: %w", err)
	}
	for i := range events {
		events[i].Details = details[events[i].ID]
	}

	return events, nil
}

func (s *Store) batchDetails(ctx context.Context, ids []int64) (map[int64]map[string]any, error) {
	out := make(map[int64]map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT event_id, key, value FROM event_detail WHERE event_id IN (%s)",
		strings.Join(placeholders, ", "),
	), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var eventID int64
		var key, raw string
		if err := rows.Scan(&eventID, &key, &raw); err != nil {
			return nil, err
		}
		if out[eventID] == nil {
			out[eventID] = make(map[string]any)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			out[eventID][key] = v
		}
	}
	return out, rows.Err()
}

func (s *Store) getEvent(ctx context.Context, id int64) (TimelineEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, lane, title, started_at, ended_at, status, created_at
		FROM event_log WHERE id = ?
	`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return TimelineEvent{}, err
	}
	details, err := s.batchDetails(ctx, []int64{id})
	if err != nil {
		return ev, nil
	}
	ev.Details = details[id]
	return ev, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (TimelineEvent, error) {
	var ev TimelineEvent
	var started, createdAt string
	var ended sql.NullString

	if err := row.Scan(&ev.ID, &ev.EventType, &ev.Lane, &ev.Title, &started, &ended, &ev.Status, &createdAt); err != nil {
		return TimelineEvent{}, err
	}

	ev.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if ended.Valid {
		t, err := time.Parse(time.RFC3339Nano, ended.String)
		if err == nil {
			ev.EndedAt = &t
		}
	}
	return ev, nil
}

func upsertDetails(ctx context.Context, tx *sql.Tx, eventID int64, details map[string]any) error {
	for k, v := range details {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_detail (event_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT(event_id, key) DO UPDATE SET value = excluded.value
		`, eventID, k, string(raw)); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Subscribe registers a new live observer and returns its handle and
// receive-only channel. The channel is buffered (capacity 256); on overflow
// the oldest pending message is dropped to admit the new one.
func (s *Store) Subscribe() (uuid.UUID, <-chan Message) {
	ch := make(chan Message, subscriberBuffer)
	id := uuid.New()

	s.subMu.Lock()
	s.subscribers[id] = ch
	s.subMu.Unlock()

	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (s *Store) Unsubscribe(id uuid.UUID) {
	s.subMu.Lock()
	ch, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.subMu.Unlock()

	if ok {
		close(ch)
	}
}

// publish fans a message out to all subscribers without ever blocking: a
// full channel drops its oldest message to make room.
func (s *Store) publish(msg Message) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

// Close marks the store closed: subsequent mutating calls become no-ops and
// Start calls return NoEventID, per the documented DB-unavailable semantics.
// GetWindow also returns no events once the store is closed. It does not
// close the underlying *sql.DB connection pool; call CloseDB for that.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// CloseDB closes the underlying database handle. Call during shutdown.
func (s *Store) CloseDB() error {
	return s.db.Close()
}
