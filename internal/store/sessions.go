package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateSession records the start of a call for an accepted request.
func (d *DB) CreateSession(ctx context.Context, id, helpRequestID, requesterID, volunteerID string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := nowMillis()
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO sessions (id, help_request_id, requester_id, volunteer_id, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, helpRequestID, requesterID, volunteerID, now); err != nil {
		return Session{}, err
	}
	return Session{
		ID:            id,
		HelpRequestID: helpRequestID,
		RequesterID:   requesterID,
		VolunteerID:   volunteerID,
		StartedAt:     millisToTime(now),
	}, nil
}

// GetSession returns a session by id, or ErrNotFound.
func (d *DB) GetSession(ctx context.Context, id string) (Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	row := d.db.QueryRowContext(ctx, `
		SELECT id, help_request_id, requester_id, volunteer_id, started_at, ended_at, duration_seconds, rating
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// SessionForRequest returns the session created for a help request, if any.
func (d *DB) SessionForRequest(ctx context.Context, helpRequestID string) (Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	row := d.db.QueryRowContext(ctx, `
		SELECT id, help_request_id, requester_id, volunteer_id, started_at, ended_at, duration_seconds, rating
		FROM sessions WHERE help_request_id = ?
		ORDER BY started_at DESC LIMIT 1
	`, helpRequestID)
	return scanSession(row)
}

// ListSessionsByUser returns sessions where userID took part on either side,
// newest first.
func (d *DB) ListSessionsByUser(ctx context.Context, userID string) ([]Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, help_request_id, requester_id, volunteer_id, started_at, ended_at, duration_seconds, rating
		FROM sessions
		WHERE requester_id = ? OR volunteer_id = ?
		ORDER BY started_at DESC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EndSession sets ended_at and duration exactly once. A second call for the
// same session returns ErrConflict and leaves the row untouched.
func (d *DB) EndSession(ctx context.Context, id string, endedAt time.Time, durationSeconds int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx, `
		UPDATE sessions
		SET ended_at = ?, duration_seconds = ?
		WHERE id = ? AND ended_at IS NULL
	`, endedAt.UnixMilli(), durationSeconds, id)
	if err != nil {
		return err
	}
	return d.sessionUpdateResult(ctx, res, id)
}

// RateSession sets the rating at most once. Range checking (1..5) is the
// dispatch engine's job, not the ledger's.
func (d *DB) RateSession(ctx context.Context, id string, rating int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx, `
		UPDATE sessions
		SET rating = ?
		WHERE id = ? AND rating IS NULL
	`, rating, id)
	if err != nil {
		return err
	}
	return d.sessionUpdateResult(ctx, res, id)
}

func (d *DB) sessionUpdateResult(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		row := d.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id)
		if err := row.Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var started int64
	var ended, duration sql.NullInt64
	var rating sql.NullInt64
	if err := row.Scan(&s.ID, &s.HelpRequestID, &s.RequesterID, &s.VolunteerID, &started, &ended, &duration, &rating); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s.StartedAt = millisToTime(started)
	if ended.Valid {
		t := millisToTime(ended.Int64)
		s.EndedAt = &t
	}
	if duration.Valid {
		s.DurationSeconds = &duration.Int64
	}
	if rating.Valid {
		r := int(rating.Int64)
		s.Rating = &r
	}
	return s, nil
}
