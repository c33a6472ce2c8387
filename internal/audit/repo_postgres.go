package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo writes to call_events. The table has no UPDATE or DELETE path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_events (id, call_id, type, actor_id, ip_address, from_status, to_status, message, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''), $9)
`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.CallID, e.Type, e.ActorID, e.IPAddress, e.FromStatus, e.ToStatus, e.Message, e.CreatedAt)
	return err
}

func (r *PostgresRepo) ListByCall(ctx context.Context, callID string) ([]Event, error) {
	const q = `
SELECT id, call_id, type, COALESCE(actor_id, ''), COALESCE(ip_address, ''), COALESCE(from_status, ''), to_status, COALESCE(message, ''), created_at
FROM call_events
WHERE call_id = $1
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.CallID, &e.Type, &e.ActorID, &e.IPAddress, &e.FromStatus, &e.ToStatus, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
