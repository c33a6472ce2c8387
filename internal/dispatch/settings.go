package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"
)

// Settings are a responder's availability preferences. A responder is known to
// dispatch once a settings row exists for them; Register creates the default
// row the first time a responder is seen.
type Settings struct {
	ResponderID string    `json:"responder_id"`
	DNDMode     bool      `json:"dnd_mode"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var ErrUnknownResponder = errors.New("dispatch: unknown responder")

type SettingsStore interface {
	Get(ctx context.Context, responderID string) (Settings, error)
	Put(ctx context.Context, s Settings) error
	// Register inserts default settings unless a row already exists.
	Register(ctx context.Context, s Settings) error
	List(ctx context.Context) ([]Settings, error)
}

// PostgresSettings stores rows in responder_settings.
type PostgresSettings struct {
	db *sql.DB
}

func NewPostgresSettings(db *sql.DB) *PostgresSettings { return &PostgresSettings{db: db} }

func (p *PostgresSettings) Get(ctx context.Context, responderID string) (Settings, error) {
	const q = `SELECT responder_id, dnd_mode, updated_at FROM responder_settings WHERE responder_id = $1`
	var s Settings
	err := p.db.QueryRowContext(ctx, q, responderID).Scan(&s.ResponderID, &s.DNDMode, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrUnknownResponder
	}
	return s, err
}

func (p *PostgresSettings) Put(ctx context.Context, s Settings) error {
	const q = `
INSERT INTO responder_settings (responder_id, dnd_mode, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (responder_id) DO UPDATE SET dnd_mode = EXCLUDED.dnd_mode, updated_at = EXCLUDED.updated_at
`
	_, err := p.db.ExecContext(ctx, q, s.ResponderID, s.DNDMode, s.UpdatedAt)
	return err
}

func (p *PostgresSettings) Register(ctx context.Context, s Settings) error {
	const q = `
INSERT INTO responder_settings (responder_id, dnd_mode, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (responder_id) DO NOTHING
`
	_, err := p.db.ExecContext(ctx, q, s.ResponderID, s.DNDMode, s.UpdatedAt)
	return err
}

func (p *PostgresSettings) List(ctx context.Context) ([]Settings, error) {
	const q = `SELECT responder_id, dnd_mode, updated_at FROM responder_settings ORDER BY responder_id`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Settings
	for rows.Next() {
		var s Settings
		if err := rows.Scan(&s.ResponderID, &s.DNDMode, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MemorySettings is an in-memory SettingsStore for tests.
type MemorySettings struct {
	mu   sync.Mutex
	rows map[string]Settings
}

func NewMemorySettings() *MemorySettings { return &MemorySettings{rows: map[string]Settings{}} }

func (m *MemorySettings) Get(ctx context.Context, responderID string) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[responderID]
	if !ok {
		return Settings{}, ErrUnknownResponder
	}
	return s, nil
}

func (m *MemorySettings) Put(ctx context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ResponderID] = s
	return nil
}

func (m *MemorySettings) Register(ctx context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[s.ResponderID]; !ok {
		m.rows[s.ResponderID] = s
	}
	return nil
}

func (m *MemorySettings) List(ctx context.Context) ([]Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Settings, 0, len(m.rows))
	for _, s := range m.rows {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResponderID < out[j].ResponderID })
	return out, nil
}
