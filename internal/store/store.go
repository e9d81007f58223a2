// Package store is the durable session ledger: help requests, call sessions
// and the volunteer directory, backed by a local SQLite database.
//
// All mutations of a help request are conditional on the previously-read
// status/assignee so that a losing concurrent writer observes ErrConflict
// instead of corrupting state. The store itself never retries.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Help request statuses.
const (
	StatusPending    = "pending"
	StatusAccepted   = "accepted"
	StatusDeclined   = "declined"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Terminal reports whether a request status can never change again.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// HelpRequest is one ask for assistance. AssignedVolunteerID is non-nil iff
// the request is pending-with-assignment, accepted or in progress; terminal
// rows never carry an assignee.
type HelpRequest struct {
	ID                  string
	RequesterID         string
	Status              string
	AssignedVolunteerID *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Session is the record of one call. EndedAt/DurationSeconds are set exactly
// once at call end; Rating at most once afterwards.
type Session struct {
	ID              string
	HelpRequestID   string
	RequesterID     string
	VolunteerID     string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
	Rating          *int
}

// Volunteer is a directory row. The behavioral aggregates are nullable so
// that a brand-new volunteer scores with the policy defaults rather than
// with zeros.
type Volunteer struct {
	ID               string
	DisplayName      string
	Available        bool
	Rating           *float64
	ReliabilityScore *float64
	ResponseTimeAvg  *float64
}

// DB wraps the SQLite ledger for one node.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the ledger database in the given directory.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "ledger.db")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS help_requests (
			id                    TEXT PRIMARY KEY,
			requester_id          TEXT NOT NULL,
			status                TEXT NOT NULL,
			assigned_volunteer_id TEXT,
			created_at            INTEGER NOT NULL,
			updated_at            INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create help_requests table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			help_request_id  TEXT NOT NULL REFERENCES help_requests(id),
			requester_id     TEXT NOT NULL,
			volunteer_id     TEXT NOT NULL,
			started_at       INTEGER NOT NULL,
			ended_at         INTEGER,
			duration_seconds INTEGER,
			rating           INTEGER
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS volunteers (
			id                TEXT PRIMARY KEY,
			display_name      TEXT DEFAULT '',
			available         INTEGER NOT NULL DEFAULT 0,
			rating            REAL,
			reliability_score REAL,
			response_time_avg REAL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create volunteers table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func millisToTime(ms int64) time.Time { return time.UnixMilli(ms) }
