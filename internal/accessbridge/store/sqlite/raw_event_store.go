package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgefit/accessbridge/internal/accessbridge/store"
	"github.com/forgefit/accessbridge/internal/accessbridge/types"
	dbpkg "github.com/forgefit/accessbridge/internal/db"
)

// ErrNotFound is returned by lookups on a missing raw event.
var ErrNotFound = errors.New("raw event not found")

type RawEventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewRawEventStore(db *sql.DB, writer *dbpkg.Worker) *RawEventStore {
	return &RawEventStore{db: db, writer: writer}
}

const rawEventColumns = `
  id, branch_id, external_event_id, event_type, event_time_ms,
  person_id, device_id, door_id, door_name, card_no, face_id, picture_url,
  raw_payload, source, received_at_ms, processed, processed_at_ms,
  lease_owner, lease_expires_at_ms, attempts, last_error`

func (s *RawEventStore) InsertEvent(ctx context.Context, rec store.RawEventRecord) (bool, error) {
	rec.BranchID = strings.TrimSpace(rec.BranchID)
	if rec.BranchID == "" || rec.ExternalEventID == "" {
		return false, fmt.Errorf("InsertEvent: branch id and external event id are required")
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	if rec.EventTime.IsZero() {
		rec.EventTime = rec.ReceivedAt
	}
	if !rec.EventType.Valid() {
		rec.EventType = types.EventUnknown
	}
	if rec.Source == "" {
		rec.Source = store.SourceWebhook
	}
	payload := string(rec.RawPayload)
	if payload == "" {
		payload = "{}"
	}
	receivedMs := rec.ReceivedAt.UTC().UnixMilli()

	var inserted bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureBranch(ctx, tx, rec.BranchID, receivedMs); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
INSERT INTO raw_events(
  branch_id, external_event_id, event_type, event_time_ms,
  person_id, device_id, door_id, door_name, card_no, face_id, picture_url,
  raw_payload, source, received_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(external_event_id) DO NOTHING;
`,
			rec.BranchID, rec.ExternalEventID, string(rec.EventType), rec.EventTime.UTC().UnixMilli(),
			nullString(rec.PersonID), nullString(rec.DeviceID), nullString(rec.DoorID),
			nullString(rec.DoorName), nullString(rec.CardNo), nullString(rec.FaceID),
			nullString(rec.PictureURL), payload, string(rec.Source), receivedMs,
		)
		if err != nil {
			return fmt.Errorf("InsertEvent insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("InsertEvent rows affected: %w", err)
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ClaimBatch stamps the lease and returns the claimed rows inside one writer
// transaction, so two concurrent claims can never return the same event.
func (s *RawEventStore) ClaimBatch(ctx context.Context, req store.ClaimRequest) ([]store.RawEventRecord, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	if req.Owner == "" {
		return nil, fmt.Errorf("ClaimBatch: owner is required")
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}
	nowMs := req.Now.UTC().UnixMilli()
	expiresMs := req.Now.Add(req.LeaseTTL).UTC().UnixMilli()

	var out []store.RawEventRecord
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE raw_events
SET lease_owner = ?,
    lease_expires_at_ms = ?,
    attempts = attempts + 1
WHERE id IN (
  SELECT id FROM raw_events
  WHERE branch_id = ?
    AND processed = 0
    AND (lease_owner IS NULL OR lease_expires_at_ms IS NULL OR lease_expires_at_ms <= ?)
  ORDER BY event_time_ms ASC, id ASC
  LIMIT ?
);
`, req.Owner, expiresMs, req.BranchID, nowMs, req.Limit); err != nil {
			return fmt.Errorf("ClaimBatch lease: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT `+rawEventColumns+`
FROM raw_events
WHERE branch_id = ? AND lease_owner = ? AND processed = 0
ORDER BY event_time_ms ASC, id ASC;
`, req.BranchID, req.Owner)
		if err != nil {
			return fmt.Errorf("ClaimBatch select: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRawEvent(rows)
			if err != nil {
				return fmt.Errorf("ClaimBatch scan: %w", err)
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RawEventStore) CompleteEvent(ctx context.Context, c store.Completion) error {
	if c.ProcessedAt.IsZero() {
		c.ProcessedAt = time.Now().UTC()
	}
	processedMs := c.ProcessedAt.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE raw_events
SET processed = 1,
    processed_at_ms = ?,
    lease_owner = NULL,
    lease_expires_at_ms = NULL,
    last_error = NULL
WHERE id = ? AND lease_owner = ? AND processed = 0;
`, processedMs, c.EventID, c.Owner)
		if err != nil {
			return fmt.Errorf("CompleteEvent mark processed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("CompleteEvent rows affected: %w", err)
		}
		if n == 0 {
			return store.ErrLeaseLost
		}

		if a := c.Attendance; a != nil {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO attendance_records(
  source_event_id, member_id, branch_id, check_in_ms, check_out_ms,
  attendance_date, method, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_event_id) DO NOTHING;
`,
				c.EventID, a.MemberID, a.BranchID, nullMillis(a.CheckIn), nullMillis(a.CheckOut),
				a.AttendanceDate, a.Method, processedMs,
			); err != nil {
				return fmt.Errorf("CompleteEvent insert attendance: %w", err)
			}
		}

		if d := c.Denial; d != nil {
			payload := string(d.RawPayload)
			if payload == "" {
				payload = "{}"
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO access_denial_logs(
  source_event_id, branch_id, person_id, external_event_id, device_id,
  door_id, door_name, card_no, event_time_ms, raw_payload, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_event_id) DO NOTHING;
`,
				c.EventID, d.BranchID, nullString(d.PersonID), d.ExternalEventID, nullString(d.DeviceID),
				nullString(d.DoorID), nullString(d.DoorName), nullString(d.CardNo),
				d.EventTime.UTC().UnixMilli(), payload, processedMs,
			); err != nil {
				return fmt.Errorf("CompleteEvent insert denial: %w", err)
			}
		}

		return nil
	})
}

func (s *RawEventStore) ReleaseClaim(ctx context.Context, eventID int64, owner string, cause string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE raw_events
SET lease_owner = NULL,
    lease_expires_at_ms = NULL,
    last_error = ?
WHERE id = ? AND lease_owner = ? AND processed = 0;
`, nullString(cause), eventID, owner)
		if err != nil {
			return fmt.Errorf("ReleaseClaim: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ReleaseClaim rows affected: %w", err)
		}
		if n == 0 {
			return store.ErrLeaseLost
		}
		return nil
	})
}

// GetByExternalID reads one event by its vendor id.
func (s *RawEventStore) GetByExternalID(ctx context.Context, externalEventID string) (store.RawEventRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rawEventColumns+`
FROM raw_events WHERE external_event_id = ?;`, externalEventID)
	rec, err := scanRawEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RawEventRecord{}, ErrNotFound
	}
	if err != nil {
		return store.RawEventRecord{}, fmt.Errorf("GetByExternalID: %w", err)
	}
	return rec, nil
}

// PendingCount returns how many events of branchID are still unprocessed.
func (s *RawEventStore) PendingCount(ctx context.Context, branchID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_events WHERE branch_id = ? AND processed = 0;`, branchID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("PendingCount: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRawEvent(r rowScanner) (store.RawEventRecord, error) {
	var (
		rec                                    store.RawEventRecord
		eventType, source, payload             string
		eventMs, receivedMs                    int64
		processed                              int
		personID, deviceID, doorID, doorName   sql.NullString
		cardNo, faceID, pictureURL, leaseOwner sql.NullString
		lastError                              sql.NullString
		processedMs, leaseExpiresMs            sql.NullInt64
	)
	if err := r.Scan(
		&rec.ID, &rec.BranchID, &rec.ExternalEventID, &eventType, &eventMs,
		&personID, &deviceID, &doorID, &doorName, &cardNo, &faceID, &pictureURL,
		&payload, &source, &receivedMs, &processed, &processedMs,
		&leaseOwner, &leaseExpiresMs, &rec.Attempts, &lastError,
	); err != nil {
		return store.RawEventRecord{}, err
	}

	rec.EventType = types.EventType(eventType)
	rec.EventTime = time.UnixMilli(eventMs).UTC()
	rec.PersonID = personID.String
	rec.DeviceID = deviceID.String
	rec.DoorID = doorID.String
	rec.DoorName = doorName.String
	rec.CardNo = cardNo.String
	rec.FaceID = faceID.String
	rec.PictureURL = pictureURL.String
	rec.RawPayload = []byte(payload)
	rec.Source = store.EventSource(source)
	rec.ReceivedAt = time.UnixMilli(receivedMs).UTC()
	rec.Processed = processed == 1
	rec.ProcessedAt = fromMillis(processedMs)
	rec.LeaseOwner = leaseOwner.String
	rec.LeaseExpiresAt = fromMillis(leaseExpiresMs)
	rec.LastError = lastError.String
	return rec, nil
}
