package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/forgefit/accessbridge/internal/accessbridge/store"
)

// BranchRegistry decides which branch ids the pipeline accepts. A
// permissive registry accepts every non-empty id.
type BranchRegistry struct {
	store      store.BranchStore
	permissive bool
}

func NewBranchRegistry(st store.BranchStore, permissive bool) *BranchRegistry {
	return &BranchRegistry{store: st, permissive: permissive}
}

func (r *BranchRegistry) IsKnown(ctx context.Context, branchID string) (bool, error) {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return false, nil
	}
	if r.permissive {
		return true, nil
	}
	return r.store.IsKnown(ctx, branchID)
}

// Require returns the trimmed branch id, or ErrInvalidBranchID /
// ErrUnknownBranch.
func (r *BranchRegistry) Require(ctx context.Context, branchID string) (string, error) {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return "", ErrInvalidBranchID
	}
	known, err := r.IsKnown(ctx, branchID)
	if err != nil {
		return "", fmt.Errorf("lookup branch %s: %w", branchID, err)
	}
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownBranch, branchID)
	}
	return branchID, nil
}

func (r *BranchRegistry) NoteSeen(ctx context.Context, branchID string, at time.Time) error {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return r.store.MarkSeen(ctx, branchID, at)
}
