// Package storage owns the relational schema.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"campus-calls/pkg/utils"
)

//go:embed schema.sql
var schema string

// migrateLockKey serializes Migrate across API replicas starting together.
const migrateLockKey int64 = 0x63616c6c73 // "calls"

// Statements splits the embedded schema into individual statements.
func Statements() []string {
	var out []string
	for _, part := range strings.Split(stripComments(schema), ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stripComments(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// Migrate applies the schema in one transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	return utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := utils.AdvisoryXactLock(ctx, tx, migrateLockKey); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		for i, stmt := range Statements() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("storage: migrate statement %d: %w", i+1, err)
			}
		}
		return nil
	})
}
