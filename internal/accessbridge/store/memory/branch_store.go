package memory

import (
	"context"
	"strings"
	"sync"
	"time"
)

type BranchStore struct {
	mu    sync.RWMutex
	known map[string]struct{}
	seen  map[string]time.Time
}

func NewBranchStore(knownBranches []string) *BranchStore {
	k := make(map[string]struct{}, len(knownBranches))
	for _, b := range knownBranches {
		b = strings.TrimSpace(b)
		if b != "" {
			k[b] = struct{}{}
		}
	}
	return &BranchStore{
		known: k,
		seen:  make(map[string]time.Time),
	}
}

func (s *BranchStore) IsKnown(_ context.Context, branchID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[branchID]
	return ok, nil
}

func (s *BranchStore) MarkSeen(_ context.Context, branchID string, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.seen[branchID]; !ok || t.After(prev) {
		s.seen[branchID] = t
	}
	return nil
}

// LastSeen returns the latest MarkSeen time for branchID.
func (s *BranchStore) LastSeen(branchID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.seen[branchID]
	return t, ok
}
