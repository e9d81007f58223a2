package store

import (
	"context"
	"database/sql"
	"strings"
)

// UpsertVolunteer inserts or replaces a volunteer directory row. Nil
// aggregate pointers store as NULL so the scoring defaults apply later.
func (d *DB) UpsertVolunteer(ctx context.Context, v Volunteer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO volunteers (id, display_name, available, rating, reliability_score, response_time_avg)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			available = excluded.available,
			rating = excluded.rating,
			reliability_score = excluded.reliability_score,
			response_time_avg = excluded.response_time_avg
	`, v.ID, v.DisplayName, boolToInt(v.Available),
		nullFloat(v.Rating), nullFloat(v.ReliabilityScore), nullFloat(v.ResponseTimeAvg))
	return err
}

// SetVolunteerAvailable flips the availability flag.
func (d *DB) SetVolunteerAvailable(ctx context.Context, id string, available bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx, `
		UPDATE volunteers SET available = ? WHERE id = ?
	`, boolToInt(available), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AvailableVolunteers returns the available volunteers whose ids are not in
// excludeIDs, in insertion order. NULL aggregates come back as nil pointers.
func (d *DB) AvailableVolunteers(ctx context.Context, excludeIDs []string) ([]Volunteer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	query := `
		SELECT id, display_name, available, rating, reliability_score, response_time_avg
		FROM volunteers
		WHERE available = 1
	`
	args := make([]any, 0, len(excludeIDs))
	if len(excludeIDs) > 0 {
		query += " AND id NOT IN (?" + strings.Repeat(",?", len(excludeIDs)-1) + ")"
		for _, id := range excludeIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY rowid ASC"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Volunteer
	for rows.Next() {
		var v Volunteer
		var avail int
		var rating, reliability, respAvg sql.NullFloat64
		if err := rows.Scan(&v.ID, &v.DisplayName, &avail, &rating, &reliability, &respAvg); err != nil {
			return nil, err
		}
		v.Available = avail != 0
		if rating.Valid {
			v.Rating = &rating.Float64
		}
		if reliability.Valid {
			v.ReliabilityScore = &reliability.Float64
		}
		if respAvg.Valid {
			v.ResponseTimeAvg = &respAvg.Float64
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
