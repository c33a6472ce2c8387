package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresRepo stores calls in the `calls` table (see internal/storage/schema.sql).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `id, initiator_id, responder_id, title, status, created_at, started_at, ended_at, duration, has_video, has_screen_share, voice_note_url`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c                Call
		responder, voice sql.NullString
		started, ended   sql.NullTime
		duration         sql.NullInt64
	)
	if err := row.Scan(
		&c.ID,
		&c.InitiatorID,
		&responder,
		&c.Title,
		&c.Status,
		&c.CreatedAt,
		&started,
		&ended,
		&duration,
		&c.HasVideo,
		&c.HasScreenShare,
		&voice,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	c.ResponderID = responder.String
	c.VoiceNoteURL = voice.String
	if started.Valid {
		t := started.Time
		c.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		c.EndedAt = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		c.DurationSeconds = &d
	}
	return c, nil
}

func (r *PostgresRepo) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (id, initiator_id, title, status, created_at)
VALUES ($1, $2, $3, $4, $5)
`
	_, err := r.db.ExecContext(ctx, q, c.ID, c.InitiatorID, c.Title, c.Status, c.CreatedAt)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Call, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.InitiatorID != "" {
		add("initiator_id = $%d", f.InitiatorID)
	}
	if f.ResponderID != "" {
		add("responder_id = $%d", f.ResponderID)
	}
	if f.Party != "" {
		args = append(args, f.Party)
		n := len(args)
		where = append(where, fmt.Sprintf("(initiator_id = $%d OR responder_id = $%d)", n, n))
	}
	if !f.CreatedFrom.IsZero() {
		add("created_at >= $%d", f.CreatedFrom)
	}
	if !f.CreatedTo.IsZero() {
		add("created_at < $%d", f.CreatedTo)
	}

	q := `SELECT ` + callColumns + ` FROM calls`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Transition is a single conditional UPDATE; the WHERE on status is what makes
// concurrent accepts and timeouts safe.
func (r *PostgresRepo) Transition(ctx context.Context, id string, from Status, u Update) (Call, error) {
	q := `
UPDATE calls SET
	status       = $3,
	responder_id = COALESCE($4, responder_id),
	started_at   = COALESCE($5, started_at),
	ended_at     = COALESCE($6, ended_at),
	duration     = COALESCE($7, duration)
WHERE id = $1 AND status = $2
RETURNING ` + callColumns

	c, err := scanCall(r.db.QueryRowContext(ctx, q,
		id,
		from,
		u.To,
		nullString(u.ResponderID),
		nullTime(u.StartedAt),
		nullTime(u.EndedAt),
		nullInt(u.DurationSeconds),
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Call{}, err
	}

	// Nothing updated: either the call is gone or someone moved it first.
	var current Status
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM calls WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return Call{}, &StatusConflictError{Current: current}
}

func (r *PostgresRepo) SetFeatures(ctx context.Context, id string, video, screenShare bool) (Call, error) {
	q := `
UPDATE calls SET
	has_video        = has_video OR $2,
	has_screen_share = has_screen_share OR $3
WHERE id = $1
RETURNING ` + callColumns
	return scanCall(r.db.QueryRowContext(ctx, q, id, video, screenShare))
}

func (r *PostgresRepo) SetVoiceNote(ctx context.Context, id, url string) (Call, error) {
	q := `
UPDATE calls SET voice_note_url = $2
WHERE id = $1 AND voice_note_url IS NULL
RETURNING ` + callColumns
	c, err := scanCall(r.db.QueryRowContext(ctx, q, id, url))
	if err == nil || !errors.Is(err, ErrNotFound) {
		return c, err
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return Call{}, getErr
	}
	return Call{}, ErrVoiceNoteExists
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
