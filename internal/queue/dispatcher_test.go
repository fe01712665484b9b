package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgefit/accessbridge/internal/accessbridge/service"
	"github.com/forgefit/accessbridge/internal/accessbridge/store/memory"
	"github.com/forgefit/accessbridge/internal/accessbridge/types"
	"github.com/forgefit/accessbridge/internal/queue"
)

type scriptedProcessor struct {
	mu        sync.Mutex
	batchSize int
	calls     []string
	script    func(call int, branchID string) (types.ProcessResponse, error)
}

func (p *scriptedProcessor) Process(_ context.Context, branchID string) (types.ProcessResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, branchID)
	n := len(p.calls)
	script := p.script
	p.mu.Unlock()
	return script(n, branchID)
}

func (p *scriptedProcessor) BatchSize() int { return p.batchSize }

func (p *scriptedProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func fastConfig() queue.Config {
	return queue.Config{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      1.5,
		BufferSize:      16,
		CloseTimeout:    time.Second,
	}
}

// startDispatcher runs d until the test ends and waits for its handlers to
// subscribe.
func startDispatcher(t *testing.T, proc queue.BranchProcessor) *queue.Dispatcher {
	t.Helper()
	d, err := queue.NewDispatcher(proc, fastConfig(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = d.Close()
	})

	select {
	case <-d.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}
	return d
}

func TestDispatcher_TriggerRunsProcessor(t *testing.T) {
	proc := &scriptedProcessor{batchSize: 100, script: func(int, string) (types.ProcessResponse, error) {
		return types.ProcessResponse{Success: true, TotalEvents: 3, ProcessedCount: 3}, nil
	}}
	d := startDispatcher(t, proc)

	require.NoError(t, d.Trigger(context.Background(), "b-1"))

	require.Eventually(t, func() bool { return proc.Calls() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, proc.Calls(), "a partial batch must not enqueue a follow-up")
	assert.Zero(t, d.PoisonedCount())
}

func TestDispatcher_FullBatchEnqueuesFollowUp(t *testing.T) {
	proc := &scriptedProcessor{batchSize: 2, script: func(call int, _ string) (types.ProcessResponse, error) {
		if call < 3 {
			return types.ProcessResponse{Success: true, TotalEvents: 2, ProcessedCount: 2}, nil
		}
		return types.ProcessResponse{Success: true, TotalEvents: 1, ProcessedCount: 1}, nil
	}}
	d := startDispatcher(t, proc)

	require.NoError(t, d.Trigger(context.Background(), "b-1"))

	require.Eventually(t, func() bool { return proc.Calls() == 3 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, proc.Calls())
}

func TestDispatcher_IncompleteBatchIsRetriedThenPoisoned(t *testing.T) {
	proc := &scriptedProcessor{batchSize: 100, script: func(int, string) (types.ProcessResponse, error) {
		return types.ProcessResponse{Success: true, TotalEvents: 2, ProcessedCount: 1, FailedCount: 1}, nil
	}}
	d := startDispatcher(t, proc)

	require.NoError(t, d.Trigger(context.Background(), "b-1"))

	require.Eventually(t, func() bool { return d.PoisonedCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	// One attempt plus MaxRetries retries.
	assert.Equal(t, 3, proc.Calls())
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	proc := &scriptedProcessor{batchSize: 100, script: func(call int, _ string) (types.ProcessResponse, error) {
		if call == 1 {
			panic("processor bug")
		}
		return types.ProcessResponse{Success: true}, nil
	}}
	d := startDispatcher(t, proc)

	require.NoError(t, d.Trigger(context.Background(), "b-1"))

	require.Eventually(t, func() bool { return proc.Calls() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, d.PoisonedCount())
}

func TestDispatcher_DropsUnknownBranch(t *testing.T) {
	proc := &scriptedProcessor{batchSize: 100, script: func(_ int, branchID string) (types.ProcessResponse, error) {
		return types.ProcessResponse{}, errors.Join(service.ErrUnknownBranch, errors.New(branchID))
	}}
	d := startDispatcher(t, proc)

	require.NoError(t, d.Trigger(context.Background(), "b-x"))

	require.Eventually(t, func() bool { return proc.Calls() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, proc.Calls(), "unaccepted branches are not retried")
	assert.Zero(t, d.PoisonedCount())
}

func TestDispatcher_WebhookToAttendance(t *testing.T) {
	events := memory.NewRawEventStore()
	mappings := memory.NewPersonMappingStore(memory.PersonMapping{BranchID: "b-1", PersonID: "p-42", MemberID: "member-7"})
	reg := service.NewBranchRegistry(memory.NewBranchStore([]string{"b-1"}), false)
	logger := zerolog.Nop()

	proc := service.NewProcessor(reg, events, service.NewMemberResolver(mappings, nil, logger), service.ProcessorConfig{}, logger)
	d := startDispatcher(t, proc)
	ing := service.NewIngestor(reg, events, nil, d, service.IngestorConfig{}, logger)

	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	resp, err := ing.IngestWebhook(context.Background(), "b-1", types.EventPayload{
		EventID:   "e-1",
		EventType: "entry",
		PersonID:  "p-42",
		EventTime: types.Timestamp{Time: at},
	}, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	require.Eventually(t, func() bool { return len(events.Attendance()) == 1 }, 5*time.Second, 5*time.Millisecond)

	ev, ok := events.Event("e-1")
	require.True(t, ok)
	assert.True(t, ev.Processed)
	assert.Equal(t, "2024-01-01", events.Attendance()[0].AttendanceDate)
}
