package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/forgefit/accessbridge/internal/accessbridge/store"
	"github.com/forgefit/accessbridge/internal/accessbridge/types"
)

// RawEventStore is an in-memory event queue with the same lease semantics
// as the sqlite store. It is intended for tests and dev runs.
type RawEventStore struct {
	mu         sync.Mutex
	nextID     int64
	events     []*store.RawEventRecord
	byExternal map[string]*store.RawEventRecord
	attendance []store.AttendanceRecord
	denials    []store.AccessDenialLog
	failures   map[string]error
	insertErr  error
}

func NewRawEventStore() *RawEventStore {
	return &RawEventStore{
		byExternal: make(map[string]*store.RawEventRecord),
		failures:   make(map[string]error),
	}
}

func (s *RawEventStore) InsertEvent(_ context.Context, rec store.RawEventRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertErr != nil {
		return false, s.insertErr
	}
	if _, dup := s.byExternal[rec.ExternalEventID]; dup {
		return false, nil
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
	rec.BranchID = strings.TrimSpace(rec.BranchID)

	s.nextID++
	rec.ID = s.nextID
	rec.Processed = false
	rec.ProcessedAt = nil
	rec.LeaseOwner = ""
	rec.LeaseExpiresAt = nil

	stored := rec
	s.events = append(s.events, &stored)
	s.byExternal[rec.ExternalEventID] = &stored
	return true, nil
}

func (s *RawEventStore) ClaimBatch(_ context.Context, req store.ClaimRequest) ([]store.RawEventRecord, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*store.RawEventRecord
	for _, e := range s.events {
		if e.BranchID != req.BranchID || e.Processed {
			continue
		}
		if e.LeaseOwner != "" && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(req.Now) {
			continue
		}
		pending = append(pending, e)
	}
	slices.SortFunc(pending, func(a, b *store.RawEventRecord) int {
		if c := a.EventTime.Compare(b.EventTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(pending) > req.Limit {
		pending = pending[:req.Limit]
	}

	expires := req.Now.Add(req.LeaseTTL)
	out := make([]store.RawEventRecord, 0, len(pending))
	for _, e := range pending {
		e.LeaseOwner = req.Owner
		exp := expires
		e.LeaseExpiresAt = &exp
		e.Attempts++
		out = append(out, *e)
	}
	return out, nil
}

func (s *RawEventStore) CompleteEvent(_ context.Context, c store.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(c.EventID)
	if e == nil || e.Processed || e.LeaseOwner != c.Owner {
		return store.ErrLeaseLost
	}
	if err, ok := s.failures[e.ExternalEventID]; ok {
		return err
	}

	if c.ProcessedAt.IsZero() {
		c.ProcessedAt = time.Now().UTC()
	}

	if c.Attendance != nil && !s.hasAttendance(c.EventID) {
		a := *c.Attendance
		a.SourceEventID = c.EventID
		a.CreatedAt = c.ProcessedAt
		s.attendance = append(s.attendance, a)
	}
	if c.Denial != nil && !s.hasDenial(c.EventID) {
		d := *c.Denial
		d.SourceEventID = c.EventID
		d.CreatedAt = c.ProcessedAt
		s.denials = append(s.denials, d)
	}

	at := c.ProcessedAt
	e.Processed = true
	e.ProcessedAt = &at
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.LastError = ""
	return nil
}

func (s *RawEventStore) ReleaseClaim(_ context.Context, eventID int64, owner string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(eventID)
	if e == nil || e.Processed || e.LeaseOwner != owner {
		return store.ErrLeaseLost
	}
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.LastError = cause
	return nil
}

// FailCompletion makes every CompleteEvent for externalEventID return err
// until cleared with a nil err. Test-only helper.
func (s *RawEventStore) FailCompletion(externalEventID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, externalEventID)
		return
	}
	s.failures[externalEventID] = err
}

// FailInserts makes InsertEvent return err; nil clears it. Test-only helper.
func (s *RawEventStore) FailInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

// Events returns copies of all stored events in insertion order.
func (s *RawEventStore) Events() []store.RawEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.RawEventRecord, len(s.events))
	for i, e := range s.events {
		out[i] = *e
	}
	return out
}

// Event returns the stored event with the given external id.
func (s *RawEventStore) Event(externalEventID string) (store.RawEventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byExternal[externalEventID]
	if !ok {
		return store.RawEventRecord{}, false
	}
	return *e, true
}

// Attendance returns derived attendance records in creation order.
func (s *RawEventStore) Attendance() []store.AttendanceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.attendance)
}

// Denials returns derived denial logs in creation order.
func (s *RawEventStore) Denials() []store.AccessDenialLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.denials)
}

func (s *RawEventStore) find(id int64) *store.RawEventRecord {
	for _, e := range s.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (s *RawEventStore) hasAttendance(eventID int64) bool {
	return slices.ContainsFunc(s.attendance, func(a store.AttendanceRecord) bool { return a.SourceEventID == eventID })
}

func (s *RawEventStore) hasDenial(eventID int64) bool {
	return slices.ContainsFunc(s.denials, func(d store.AccessDenialLog) bool { return d.SourceEventID == eventID })
}
