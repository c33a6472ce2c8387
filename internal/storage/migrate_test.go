package storage

import (
	"strings"
	"testing"
)

func TestStatementsCoverEveryTable(t *testing.T) {
	stmts := Statements()
	for _, table := range []string{"calls", "call_signals", "call_events", "responder_settings"} {
		found := false
		for _, s := range stmts {
			if strings.HasPrefix(s, "CREATE TABLE IF NOT EXISTS "+table+" ") {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no CREATE TABLE for %s", table)
		}
	}
	for _, s := range stmts {
		if strings.Contains(s, "--") {
			t.Errorf("comment left in statement: %q", s)
		}
		if !strings.Contains(s, "IF NOT EXISTS") {
			t.Errorf("statement is not idempotent: %q", s)
		}
	}
}

func TestSignalsOrderedBySequence(t *testing.T) {
	for _, s := range Statements() {
		if strings.Contains(s, "TABLE IF NOT EXISTS call_signals") && !strings.Contains(s, "seq         BIGSERIAL") {
			t.Fatal("call_signals needs a seq column for ordered replay")
		}
	}
}
