package store

import (
	"context"
	"database/sql"
	"errors"
)

// CreateRequest inserts a new pending, unassigned help request.
func (d *DB) CreateRequest(ctx context.Context, id, requesterID string) (HelpRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := nowMillis()
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO help_requests (id, requester_id, status, assigned_volunteer_id, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?)
	`, id, requesterID, StatusPending, now, now); err != nil {
		return HelpRequest{}, err
	}
	return HelpRequest{
		ID:          id,
		RequesterID: requesterID,
		Status:      StatusPending,
		CreatedAt:   millisToTime(now),
		UpdatedAt:   millisToTime(now),
	}, nil
}

// GetRequest returns a help request by id, or ErrNotFound.
func (d *DB) GetRequest(ctx context.Context, id string) (HelpRequest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getRequestLocked(ctx, id)
}

func (d *DB) getRequestLocked(ctx context.Context, id string) (HelpRequest, error) {
	var r HelpRequest
	var assignee sql.NullString
	var created, updated int64
	row := d.db.QueryRowContext(ctx, `
		SELECT id, requester_id, status, assigned_volunteer_id, created_at, updated_at
		FROM help_requests WHERE id = ?
	`, id)
	if err := row.Scan(&r.ID, &r.RequesterID, &r.Status, &assignee, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HelpRequest{}, ErrNotFound
		}
		return HelpRequest{}, err
	}
	if assignee.Valid {
		r.AssignedVolunteerID = &assignee.String
	}
	r.CreatedAt = millisToTime(created)
	r.UpdatedAt = millisToTime(updated)
	return r, nil
}

// ListRequestsByUser returns the requests created by requesterID, newest first.
func (d *DB) ListRequestsByUser(ctx context.Context, requesterID string) ([]HelpRequest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, requester_id, status, assigned_volunteer_id, created_at, updated_at
		FROM help_requests
		WHERE requester_id = ?
		ORDER BY created_at DESC
	`, requesterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HelpRequest
	for rows.Next() {
		var r HelpRequest
		var assignee sql.NullString
		var created, updated int64
		if err := rows.Scan(&r.ID, &r.RequesterID, &r.Status, &assignee, &created, &updated); err != nil {
			return nil, err
		}
		if assignee.Valid {
			r.AssignedVolunteerID = &assignee.String
		}
		r.CreatedAt = millisToTime(created)
		r.UpdatedAt = millisToTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AssignVolunteer writes an assignment onto a pending, unassigned request.
// The request stays pending; only the assignee changes.
func (d *DB) AssignVolunteer(ctx context.Context, id, volunteerID string) error {
	return d.conditionalUpdate(ctx, id, `
		UPDATE help_requests
		SET assigned_volunteer_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND assigned_volunteer_id IS NULL
	`, volunteerID, nowMillis(), id, StatusPending)
}

// ClearAssignment removes volunteerID from a still-pending request, e.g.
// after a decline or an expired response timeout. Fails with ErrConflict
// when the request is no longer pending or is assigned to someone else.
func (d *DB) ClearAssignment(ctx context.Context, id, volunteerID string) error {
	return d.conditionalUpdate(ctx, id, `
		UPDATE help_requests
		SET assigned_volunteer_id = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND assigned_volunteer_id = ?
	`, nowMillis(), id, StatusPending, volunteerID)
}

// AcceptRequest transitions pending → in_progress for the assigned volunteer.
func (d *DB) AcceptRequest(ctx context.Context, id, volunteerID string) error {
	return d.conditionalUpdate(ctx, id, `
		UPDATE help_requests
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND assigned_volunteer_id = ?
	`, StatusInProgress, nowMillis(), id, StatusPending, volunteerID)
}

// CompleteRequest transitions in_progress → completed and clears the
// assignee in the same statement, keeping the terminal-state invariant.
func (d *DB) CompleteRequest(ctx context.Context, id string) error {
	return d.conditionalUpdate(ctx, id, `
		UPDATE help_requests
		SET status = ?, assigned_volunteer_id = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusCompleted, nowMillis(), id, StatusInProgress)
}

// CancelRequest transitions any non-terminal request to cancelled, clearing
// the assignee. Returns (false, nil) without touching the row when the
// request is already terminal, making cancellation idempotent.
func (d *DB) CancelRequest(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx, `
		UPDATE help_requests
		SET status = ?, assigned_volunteer_id = NULL, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, StatusCancelled, nowMillis(), id, StatusCompleted, StatusCancelled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "already terminal" (fine) from "no such request".
		if _, err := d.getRequestLocked(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// conditionalUpdate runs an UPDATE whose WHERE clause encodes the expected
// prior state. 0 rows affected means the caller lost a race (ErrConflict)
// or the row never existed (ErrNotFound).
func (d *DB) conditionalUpdate(ctx context.Context, id, query string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := d.getRequestLocked(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}
