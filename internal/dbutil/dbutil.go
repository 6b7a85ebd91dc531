// Package dbutil holds the shared SQLite connection convention used by every
// store in this module (event store, library, planner, config).
package dbutil

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO
)

// Open opens a SQLite database at path with WAL journaling and a busy
// timeout tuned for a single-process, multi-goroutine writer.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Single-writer discipline: SQLite serializes writers anyway, and our own
	// component mutexes already guard call sites, so one connection avoids
	// "database is locked" churn under WAL.
	db.SetMaxOpenConns(1)

	return db, nil
}
