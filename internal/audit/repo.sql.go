package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository appends trail entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends one entry.
func (r *Repository) Insert(ctx context.Context, entry Entry) (int64, error) {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.pool.QueryRow(ctx, `INSERT INTO audit_trail (trail_date, action, actor_id, actor_name, actor_role, ip, user_agent, details, entity_count, total_delta, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		entry.TrailDate, string(entry.Action), entry.ActorID, entry.ActorName, entry.ActorRole, entry.IP, entry.UserAgent, details, entry.EntityCount, entry.TotalDelta, entry.At).Scan(&id)
	return id, err
}

// ListWindow returns trail entries for the filter ordered by time then id,
// so pages are reproducible.
func (r *Repository) ListWindow(ctx context.Context, filter TrailFilter, limit, offset int) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, trail_date, action, actor_id, actor_name, actor_role, ip, user_agent, details, entity_count, total_delta, occurred_at
FROM audit_trail
WHERE ($1::date IS NULL OR trail_date=$1)
  AND ($2::text IS NULL OR action=$2)
ORDER BY occurred_at ASC, id ASC
LIMIT $3 OFFSET $4`, nullDate(filter), nullAction(filter), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var details []byte
		if err := rows.Scan(&e.ID, &e.TrailDate, &e.Action, &e.ActorID, &e.ActorName, &e.ActorRole, &e.IP, &e.UserAgent, &details, &e.EntityCount, &e.TotalDelta, &e.At); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullDate(filter TrailFilter) any {
	if filter.Date.IsZero() {
		return nil
	}
	return filter.Date
}

func nullAction(filter TrailFilter) any {
	if filter.Action == "" {
		return nil
	}
	return string(filter.Action)
}
