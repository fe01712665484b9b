package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgefit/accessbridge/internal/accessbridge/store"
	dbpkg "github.com/forgefit/accessbridge/internal/db"
)

type PersonMappingStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewPersonMappingStore(db *sql.DB, writer *dbpkg.Worker) *PersonMappingStore {
	return &PersonMappingStore{db: db, writer: writer}
}

// LookupMember resolves by person id first and falls back to card number.
func (s *PersonMappingStore) LookupMember(ctx context.Context, branchID, personID, cardNo string) (string, bool, error) {
	personID = strings.TrimSpace(personID)
	cardNo = strings.TrimSpace(cardNo)

	if personID != "" {
		member, found, err := s.lookup(ctx, `
SELECT member_id FROM person_mappings WHERE branch_id = ? AND person_id = ?;
`, branchID, personID)
		if err != nil || found {
			return member, found, err
		}
	}

	if cardNo != "" {
		return s.lookup(ctx, `
SELECT member_id FROM person_mappings WHERE branch_id = ? AND card_no = ?
ORDER BY created_at_ms ASC LIMIT 1;
`, branchID, cardNo)
	}

	return "", false, nil
}

func (s *PersonMappingStore) lookup(ctx context.Context, query string, args ...any) (string, bool, error) {
	var member string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&member)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("LookupMember query: %w", err)
	}
	return member, true, nil
}

// UpsertMapping is used by the dev seeder and tests; production mappings are
// written by the enrollment flow.
func (s *PersonMappingStore) UpsertMapping(ctx context.Context, branchID, personID, memberID, cardNo string) error {
	nowMs := time.Now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO person_mappings(branch_id, person_id, member_id, card_no, created_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(branch_id, person_id) DO UPDATE SET
  member_id = excluded.member_id,
  card_no = excluded.card_no;
`, branchID, personID, memberID, nullString(cardNo), nowMs); err != nil {
			return fmt.Errorf("UpsertMapping: %w", err)
		}
		return nil
	})
}

var _ store.PersonMappingStore = (*PersonMappingStore)(nil)
