package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ensureBranch guarantees a branches row exists for branchID so the
// raw_events foreign key is satisfied.
//
// New rows start disabled; only configuration sync or the dev seeder
// enables a branch.
//
// Must be called inside an existing transaction.
func ensureBranch(ctx context.Context, tx *sql.Tx, branchID string, nowMs int64) error {
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO branches(
  branch_id, enabled, created_at_ms, updated_at_ms
) VALUES (?, 0, ?, ?);
`, branchID, nowMs, nowMs); err != nil {
		return fmt.Errorf("ensureBranch %s: %w", branchID, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
