package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forgefit/accessbridge/internal/accessbridge/store"
	"github.com/forgefit/accessbridge/internal/accessbridge/types"
	"github.com/forgefit/accessbridge/internal/db"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production. The connection is closed when the test ends.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Shared cache keeps the named in-memory database alive while the pool
	// recycles its single connection.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		name,
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}

	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn, closed when the test ends.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

func seedBranch(t *testing.T, conn *sql.DB, branchID string, enabled bool) {
	t.Helper()
	nowMs := time.Now().UTC().UnixMilli()
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := conn.ExecContext(context.Background(), `
INSERT OR IGNORE INTO branches(branch_id, enabled, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?);`, branchID, flag, nowMs, nowMs)
	if err != nil {
		t.Fatalf("seedBranch(%s): %v", branchID, err)
	}
}

var baseTime = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func rawEvent(branchID, externalID string, typ types.EventType, at time.Time) store.RawEventRecord {
	return store.RawEventRecord{
		BranchID:        branchID,
		ExternalEventID: externalID,
		EventType:       typ,
		EventTime:       at,
		PersonID:        "p-42",
		DeviceID:        "d-1",
		DoorID:          "door-1",
		RawPayload:      []byte(`{"eventId":"` + externalID + `"}`),
		Source:          store.SourceWebhook,
		ReceivedAt:      at.Add(time.Second),
	}
}

func countRows(t *testing.T, conn *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := conn.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("countRows %q: %v", query, err)
	}
	return n
}
