package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgefit/accessbridge/internal/accessbridge/service"
	"github.com/forgefit/accessbridge/internal/accessbridge/store"
	"github.com/forgefit/accessbridge/internal/accessbridge/store/memory"
	"github.com/forgefit/accessbridge/internal/accessbridge/types"
)

// ═══════════════════════════════════════════════════════════════════════════
// Draining
// ═══════════════════════════════════════════════════════════════════════════

func TestProcess_DrainsMappedEvents(t *testing.T) {
	p := newPipeline()
	const n = 20
	for i := 0; i < n; i++ {
		typ := types.EventEntry
		if i%2 == 1 {
			typ = types.EventExit
		}
		p.seed(fmt.Sprintf("e-%02d", i), typ, "p-42", baseTime.Add(time.Duration(i)*time.Minute))
	}

	resp, err := p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessResponse{Success: true, TotalEvents: n, ProcessedCount: n}, resp)

	assert.Len(t, p.events.Attendance(), n)
	for _, ev := range p.events.Events() {
		assert.True(t, ev.Processed, "event %s", ev.ExternalEventID)
		assert.Empty(t, ev.LeaseOwner)
	}

	att := p.events.Attendance()
	assert.NotNil(t, att[0].CheckIn)
	assert.Nil(t, att[0].CheckOut)
	assert.Nil(t, att[1].CheckIn)
	assert.NotNil(t, att[1].CheckOut)
}

func TestProcess_UnmappedPersonIsDropped(t *testing.T) {
	p := newPipeline()
	p.seed("e-1", types.EventEntry, "p-stranger", baseTime)
	p.seed("e-2", types.EventExit, "", baseTime)

	resp, err := p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.ProcessedCount)
	assert.Empty(t, p.events.Attendance())

	for _, ev := range p.events.Events() {
		assert.True(t, ev.Processed)
	}
}

func TestProcess_UnknownTypeIsDropped(t *testing.T) {
	p := newPipeline()
	p.seed("e-1", types.EventUnknown, "p-42", baseTime)

	resp, err := p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ProcessedCount)
	assert.Empty(t, p.events.Attendance())
	assert.Empty(t, p.events.Denials())
	assert.Zero(t, p.mappings.Lookups(), "unknown events need no member")
}

func TestProcess_DenialLoggedRegardlessOfMapping(t *testing.T) {
	p := newPipeline()
	p.seed("d-mapped", types.EventDenied, "p-42", baseTime)
	p.seed("d-unmapped", types.EventDenied, "p-stranger", baseTime.Add(time.Second))
	p.seed("d-anon", types.EventDenied, "", baseTime.Add(2*time.Second))

	resp, err := p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, 3, resp.ProcessedCount)

	denials := p.events.Denials()
	require.Len(t, denials, 3)
	assert.Equal(t, "d-mapped", denials[0].ExternalEventID)
	assert.Equal(t, "p-42", denials[0].PersonID)
	assert.Equal(t, "p-stranger", denials[1].PersonID)
	assert.Equal(t, "", denials[2].PersonID)
	assert.Empty(t, p.events.Attendance())
}

func TestProcess_CardFallback(t *testing.T) {
	p := newPipeline()
	_, err := p.events.InsertEvent(context.Background(), store.RawEventRecord{
		BranchID: "b-1", ExternalEventID: "card-only", EventType: types.EventEntry,
		EventTime: baseTime, CardNo: "CARD-42",
	})
	require.NoError(t, err)

	_, err = p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)

	att := p.events.Attendance()
	require.Len(t, att, 1)
	assert.Equal(t, "member-7", att[0].MemberID)
}

// ═══════════════════════════════════════════════════════════════════════════
// Batching & ordering
// ═══════════════════════════════════════════════════════════════════════════

func TestProcess_BatchCap(t *testing.T) {
	p := newPipeline()
	for i := 0; i < 150; i++ {
		p.seed(fmt.Sprintf("e-%03d", i), types.EventEntry, "p-42", baseTime.Add(time.Duration(i)*time.Second))
	}
	ctx := context.Background()

	first, err := p.processor.Process(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 100, first.TotalEvents)
	assert.Equal(t, 100, first.ProcessedCount)

	pending := 0
	for _, ev := range p.events.Events() {
		if !ev.Processed {
			pending++
		}
	}
	assert.Equal(t, 50, pending)

	second, err := p.processor.Process(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 50, second.ProcessedCount)
	assert.Len(t, p.events.Attendance(), 150)
}

func TestProcess_OrderedByEventTime(t *testing.T) {
	p := newPipeline()
	p.seed("t3", types.EventEntry, "p-42", baseTime.Add(3*time.Hour))
	p.seed("t1", types.EventEntry, "p-42", baseTime.Add(1*time.Hour))
	p.seed("t2", types.EventDenied, "p-42", baseTime.Add(2*time.Hour))

	cache := newMapCache()
	p2 := newPipeline(withCache(cache))
	p2.seed("t3", types.EventExit, "p-42", baseTime.Add(3*time.Hour))
	p2.seed("t1", types.EventEntry, "p-42", baseTime.Add(1*time.Hour))
	p2.seed("t2", types.EventExit, "p-42", baseTime.Add(2*time.Hour))

	_, err := p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)
	att := p.events.Attendance()
	require.Len(t, att, 2)
	assert.True(t, att[0].CheckIn.Before(*att[1].CheckIn))

	_, err = p2.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)
	att = p2.events.Attendance()
	require.Len(t, att, 3)
	var got []int64
	for _, a := range att {
		got = append(got, a.SourceEventID)
	}
	// Seed ids are 1 (t3), 2 (t1), 3 (t2).
	assert.Equal(t, []int64{2, 3, 1}, got)
}

func TestProcess_AttendanceDateUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	p := newPipeline(withProcessorConfig(service.ProcessorConfig{Location: tokyo, Method: "hik-acs"}))
	// 20:00 UTC on Jan 1 is 05:00 on Jan 2 in Tokyo.
	p.seed("late", types.EventEntry, "p-42", time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC))

	_, err = p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)

	att := p.events.Attendance()
	require.Len(t, att, 1)
	assert.Equal(t, "2024-01-02", att[0].AttendanceDate)
	assert.Equal(t, "hik-acs", att[0].Method)
}

// ═══════════════════════════════════════════════════════════════════════════
// Failures
// ═══════════════════════════════════════════════════════════════════════════

func TestProcess_PartialFailureIsolation(t *testing.T) {
	p := newPipeline()
	p.seed("k-1", types.EventEntry, "p-42", baseTime)
	p.seed("k-2", types.EventEntry, "p-42", baseTime.Add(time.Minute))
	p.seed("k-3", types.EventEntry, "p-42", baseTime.Add(2*time.Minute))
	p.events.FailCompletion("k-2", errors.New("insert failed"))

	resp, err := p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.TotalEvents)
	assert.Equal(t, 2, resp.ProcessedCount)
	assert.Equal(t, 1, resp.FailedCount)

	k1, _ := p.events.Event("k-1")
	k2, _ := p.events.Event("k-2")
	k3, _ := p.events.Event("k-3")
	assert.True(t, k1.Processed)
	assert.False(t, k2.Processed)
	assert.True(t, k3.Processed)
	assert.Empty(t, k2.LeaseOwner, "failed events are released for the next run")
	assert.Contains(t, k2.LastError, "insert failed")

	// The next run retries the failed event.
	p.events.FailCompletion("k-2", nil)
	resp, err = p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ProcessedCount)
	k2, _ = p.events.Event("k-2")
	assert.True(t, k2.Processed)
	assert.Equal(t, 2, k2.Attempts)
	assert.Len(t, p.events.Attendance(), 3)
}

func TestProcess_LookupErrorReleasesEvent(t *testing.T) {
	p := newPipeline()
	p.seed("e-1", types.EventEntry, "p-42", baseTime)
	p.mappings.FailLookups(errors.New("db locked"))

	resp, err := p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.FailedCount)

	ev, _ := p.events.Event("e-1")
	assert.False(t, ev.Processed)
	assert.Contains(t, ev.LastError, "db locked")
}

// leaseStealingStore simulates another run reclaiming every event right
// after it was claimed.
type leaseStealingStore struct {
	*memory.RawEventStore
}

func (s leaseStealingStore) CompleteEvent(context.Context, store.Completion) error {
	return store.ErrLeaseLost
}

func TestProcess_LeaseLostIsNotAFailure(t *testing.T) {
	inner := memory.NewRawEventStore()
	p := newPipeline(withEventStore(leaseStealingStore{inner}))
	_, err := inner.InsertEvent(context.Background(), store.RawEventRecord{
		BranchID: "b-1", ExternalEventID: "e-1", EventType: types.EventDenied, EventTime: baseTime,
	})
	require.NoError(t, err)

	resp, err := p.processor.Process(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalEvents)
	assert.Zero(t, resp.ProcessedCount)
	assert.Zero(t, resp.FailedCount)
}

func TestProcess_ConcurrentRunsNeverDoubleProcess(t *testing.T) {
	p := newPipeline()
	for i := 0; i < 60; i++ {
		p.seed(fmt.Sprintf("e-%02d", i), types.EventEntry, "p-42", baseTime.Add(time.Duration(i)*time.Second))
	}

	results := make(chan types.ProcessResponse, 4)
	for i := 0; i < 4; i++ {
		go func() {
			resp, err := p.processor.Process(context.Background(), "b-1")
			assert.NoError(t, err)
			results <- resp
		}()
	}
	total := 0
	for i := 0; i < 4; i++ {
		total += (<-results).ProcessedCount
	}

	assert.Equal(t, 60, total)
	assert.Len(t, p.events.Attendance(), 60)
}

func TestProcess_UnknownBranch(t *testing.T) {
	p := newPipeline()
	resp, err := p.processor.Process(context.Background(), "b-x")
	assert.ErrorIs(t, err, service.ErrUnknownBranch)
	assert.False(t, resp.Success)
}

// ═══════════════════════════════════════════════════════════════════════════
// Member cache
// ═══════════════════════════════════════════════════════════════════════════

func TestMemberResolver_CachesPositiveHits(t *testing.T) {
	cache := newMapCache()
	p := newPipeline(withCache(cache))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, ok, err := p.resolver.Resolve(ctx, "b-1", "p-42", "")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "member-7", id)
	}
	assert.Equal(t, 1, p.mappings.Lookups())

	_, ok, err := p.resolver.Resolve(ctx, "b-1", "p-nobody", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Len(), "misses are not cached")
}

func TestMemberResolver_CacheErrorFallsThrough(t *testing.T) {
	cache := newMapCache()
	cache.getErr = errors.New("redis down")
	p := newPipeline(withCache(cache))

	id, ok, err := p.resolver.Resolve(context.Background(), "b-1", "p-42", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "member-7", id)
}

func TestMemberResolver_NothingToResolve(t *testing.T) {
	p := newPipeline()
	_, ok, err := p.resolver.Resolve(context.Background(), "b-1", " ", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, p.mappings.Lookups())
}
