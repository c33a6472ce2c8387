package signaling

import (
	"context"
	"database/sql"
	"sync"
)

// Store is the append-only log of signaling messages. Rows are never updated or deleted.
type Store interface {
	Append(ctx context.Context, m Message) error
	// ListByCall returns a call's messages in insertion order.
	ListByCall(ctx context.Context, callID string) ([]Message, error)
}

// PostgresStore keeps messages in the call_signals table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Append(ctx context.Context, m Message) error {
	const q = `
INSERT INTO call_signals (id, call_id, from_id, to_id, signal_type, signal_data, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	var to sql.NullString
	if m.ToID != "" {
		to = sql.NullString{String: m.ToID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, q, m.ID, m.CallID, m.FromID, to, m.Type, []byte(m.Data), m.CreatedAt)
	return err
}

func (s *PostgresStore) ListByCall(ctx context.Context, callID string) ([]Message, error) {
	const q = `
SELECT id, call_id, from_id, to_id, signal_type, signal_data, created_at
FROM call_signals
WHERE call_id = $1
ORDER BY seq
`
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var (
			m    Message
			to   sql.NullString
			data []byte
		)
		if err := rows.Scan(&m.ID, &m.CallID, &m.FromID, &to, &m.Type, &data, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ToID = to.String
		m.Data = data
		out = append(out, m)
	}
	return out, rows.Err()
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows []Message
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(ctx context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, m)
	return nil
}

func (s *MemoryStore) ListByCall(ctx context.Context, callID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0)
	for _, m := range s.rows {
		if m.CallID == callID {
			out = append(out, m)
		}
	}
	return out, nil
}
