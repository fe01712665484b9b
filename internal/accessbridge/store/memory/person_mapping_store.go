package memory

import (
	"context"
	"strings"
	"sync"
)

type PersonMapping struct {
	BranchID string
	PersonID string
	MemberID string
	CardNo   string
}

type PersonMappingStore struct {
	mu       sync.RWMutex
	mappings []PersonMapping
	lookups  int
	err      error
}

func NewPersonMappingStore(mappings ...PersonMapping) *PersonMappingStore {
	return &PersonMappingStore{mappings: mappings}
}

func (s *PersonMappingStore) LookupMember(_ context.Context, branchID, personID, cardNo string) (string, bool, error) {
	s.mu.Lock()
	s.lookups++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return "", false, err
	}

	personID = strings.TrimSpace(personID)
	cardNo = strings.TrimSpace(cardNo)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if personID != "" {
		for _, m := range s.mappings {
			if m.BranchID == branchID && m.PersonID == personID {
				return m.MemberID, true, nil
			}
		}
	}
	if cardNo != "" {
		for _, m := range s.mappings {
			if m.BranchID == branchID && m.CardNo == cardNo {
				return m.MemberID, true, nil
			}
		}
	}
	return "", false, nil
}

// Add appends a mapping. Test-only helper.
func (s *PersonMappingStore) Add(m PersonMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = append(s.mappings, m)
}

// Lookups reports how many times LookupMember was called.
func (s *PersonMappingStore) Lookups() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookups
}

// FailLookups makes LookupMember return err; nil clears it.
func (s *PersonMappingStore) FailLookups(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
