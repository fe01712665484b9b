package sqlite_test

import (
	"context"
	"testing"
	"time"

	sqlitestore "github.com/forgefit/accessbridge/internal/accessbridge/store/sqlite"
)

// ═══════════════════════════════════════════════════════════════════════════
// BranchStore
// ═══════════════════════════════════════════════════════════════════════════

func TestBranchStore_IsKnown(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	seedBranch(t, conn, "b-on", true)
	seedBranch(t, conn, "b-off", false)
	bs := sqlitestore.NewBranchStore(conn, w)
	ctx := context.Background()

	cases := map[string]bool{"b-on": true, "b-off": false, "missing": false, "  ": false}
	for id, want := range cases {
		got, err := bs.IsKnown(ctx, id)
		if err != nil {
			t.Fatalf("IsKnown(%q): %v", id, err)
		}
		if got != want {
			t.Errorf("IsKnown(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestBranchStore_SyncKnownEnables(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	seedBranch(t, conn, "b-off", false)
	bs := sqlitestore.NewBranchStore(conn, w)
	ctx := context.Background()

	if err := bs.SyncKnown(ctx, []string{"b-off", " b-new ", ""}); err != nil {
		t.Fatalf("SyncKnown: %v", err)
	}
	for _, id := range []string{"b-off", "b-new"} {
		known, err := bs.IsKnown(ctx, id)
		if err != nil {
			t.Fatalf("IsKnown: %v", err)
		}
		if !known {
			t.Errorf("expected %s enabled after sync", id)
		}
	}
}

func TestBranchStore_MarkSeenKeepsLatest(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	bs := sqlitestore.NewBranchStore(conn, w)
	ctx := context.Background()

	later := baseTime.Add(time.Hour)
	if err := bs.MarkSeen(ctx, "b-1", later); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if err := bs.MarkSeen(ctx, "b-1", baseTime); err != nil {
		t.Fatalf("MarkSeen earlier: %v", err)
	}

	got, err := bs.LastEventAt(ctx, "b-1")
	if err != nil {
		t.Fatalf("LastEventAt: %v", err)
	}
	if got == nil || !got.Equal(later) {
		t.Errorf("expected last event %v, got %v", later, got)
	}

	// MarkSeen on an unseen branch creates it disabled.
	known, err := bs.IsKnown(ctx, "b-1")
	if err != nil {
		t.Fatalf("IsKnown: %v", err)
	}
	if known {
		t.Error("auto-created branch must not be known")
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// PersonMappingStore
// ═══════════════════════════════════════════════════════════════════════════

func TestPersonMappingStore_LookupMember(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	ms := sqlitestore.NewPersonMappingStore(conn, w)
	ctx := context.Background()

	if err := ms.UpsertMapping(ctx, "b-1", "p-42", "member-7", "CARD-9"); err != nil {
		t.Fatalf("UpsertMapping: %v", err)
	}
	if err := ms.UpsertMapping(ctx, "b-2", "p-42", "member-other", ""); err != nil {
		t.Fatalf("UpsertMapping: %v", err)
	}

	tests := []struct {
		name, branch, person, card string
		want                       string
		found                      bool
	}{
		{"by person", "b-1", "p-42", "", "member-7", true},
		{"scoped by branch", "b-2", "p-42", "", "member-other", true},
		{"card fallback", "b-1", "p-unknown", "CARD-9", "member-7", true},
		{"card only", "b-1", "", "CARD-9", "member-7", true},
		{"unmapped", "b-1", "p-unknown", "", "", false},
		{"card in other branch", "b-2", "", "CARD-9", "", false},
		{"nothing", "b-1", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found, err := ms.LookupMember(ctx, tt.branch, tt.person, tt.card)
			if err != nil {
				t.Fatalf("LookupMember: %v", err)
			}
			if found != tt.found || got != tt.want {
				t.Errorf("got (%q, %v), want (%q, %v)", got, found, tt.want, tt.found)
			}
		})
	}
}
