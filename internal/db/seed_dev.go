package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SeedDevOptions struct {
	// KnownBranches are enabled in addition to the starter branch.
	KnownBranches []string
}

// SeedDev creates a starter branch with two mapped persons so a local
// webhook can be exercised end to end.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	branches := append([]string{"branch-dev"}, opt.KnownBranches...)
	for _, id := range branches {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO branches(branch_id, name, enabled, created_at_ms, updated_at_ms)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(branch_id) DO UPDATE SET
  enabled = 1,
  updated_at_ms = excluded.updated_at_ms;
`, id, id, now, now); err != nil {
			return fmt.Errorf("seed branch %s: %w", id, err)
		}
	}

	mappings := []struct{ person, member, card string }{
		{"p-1001", "member-dev-1", "CARD-1001"},
		{"p-1002", "member-dev-2", ""},
	}
	for _, m := range mappings {
		var card any
		if m.card != "" {
			card = m.card
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO person_mappings(branch_id, person_id, member_id, card_no, created_at_ms)
VALUES ('branch-dev', ?, ?, ?, ?)
ON CONFLICT(branch_id, person_id) DO UPDATE SET
  member_id = excluded.member_id,
  card_no = excluded.card_no;
`, m.person, m.member, card, now); err != nil {
			return fmt.Errorf("seed person mapping %s: %w", m.person, err)
		}
	}

	return nil
}
