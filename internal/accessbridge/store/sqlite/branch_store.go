package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/forgefit/accessbridge/internal/db"
)

type BranchStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewBranchStore(db *sql.DB, writer *dbpkg.Worker) *BranchStore {
	return &BranchStore{db: db, writer: writer}
}

// IsKnown: a branch is known when its row exists and is enabled.
func (s *BranchStore) IsKnown(ctx context.Context, branchID string) (bool, error) {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return false, nil
	}

	var enabled int
	err := s.db.QueryRowContext(ctx, `
SELECT enabled FROM branches WHERE branch_id = ?;
`, branchID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsKnown query: %w", err)
	}
	return enabled == 1, nil
}

// MarkSeen records the time of the latest event ingested for branchID.
func (s *BranchStore) MarkSeen(ctx context.Context, branchID string, t time.Time) error {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := t.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureBranch(ctx, tx, branchID, ms); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE branches
SET last_event_at_ms = MAX(COALESCE(last_event_at_ms, 0), ?),
    updated_at_ms    = ?
WHERE branch_id = ?;
`, ms, ms, branchID); err != nil {
			return fmt.Errorf("MarkSeen update branch: %w", err)
		}
		return nil
	})
}

// SyncKnown enables every configured branch, creating rows as needed.
// Branches missing from ids are left untouched.
func (s *BranchStore) SyncKnown(ctx context.Context, ids []string) error {
	nowMs := time.Now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO branches(branch_id, name, enabled, created_at_ms, updated_at_ms)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(branch_id) DO UPDATE SET
  enabled = 1,
  updated_at_ms = excluded.updated_at_ms;
`, id, id, nowMs, nowMs); err != nil {
				return fmt.Errorf("SyncKnown %s: %w", id, err)
			}
		}
		return nil
	})
}

// LastEventAt returns when branchID last ingested an event, or nil.
func (s *BranchStore) LastEventAt(ctx context.Context, branchID string) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT last_event_at_ms FROM branches WHERE branch_id = ?;
`, branchID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LastEventAt query: %w", err)
	}
	return fromMillis(ms), nil
}
