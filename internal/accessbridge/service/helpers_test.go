package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgefit/accessbridge/internal/accessbridge/service"
	"github.com/forgefit/accessbridge/internal/accessbridge/store"
	"github.com/forgefit/accessbridge/internal/accessbridge/store/memory"
	"github.com/forgefit/accessbridge/internal/accessbridge/types"
)

var baseTime = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

// recordingTrigger remembers every branch it was asked to process and can
// optionally run a callback or fail.
type recordingTrigger struct {
	mu    sync.Mutex
	calls []string
	err   error
	fn    func(ctx context.Context, branchID string)
}

func (r *recordingTrigger) Trigger(ctx context.Context, branchID string) error {
	r.mu.Lock()
	r.calls = append(r.calls, branchID)
	err, fn := r.err, r.fn
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		fn(ctx, branchID)
	}
	return nil
}

func (r *recordingTrigger) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeVendor struct {
	mu       sync.Mutex
	events   map[string][]types.VendorEvent
	err      error
	requests []vendorRequest
}

type vendorRequest struct {
	BranchID   string
	Start, End time.Time
}

func (f *fakeVendor) FetchEvents(_ context.Context, branchID string, start, end time.Time) ([]types.VendorEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, vendorRequest{BranchID: branchID, Start: start, End: end})
	if f.err != nil {
		return nil, f.err
	}
	return f.events[branchID], nil
}

func (f *fakeVendor) Requests() []vendorRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vendorRequest(nil), f.requests...)
}

// flakyInsertStore fails InsertEvent for selected external ids.
type flakyInsertStore struct {
	*memory.RawEventStore
	fail map[string]error
}

func (f *flakyInsertStore) InsertEvent(ctx context.Context, rec store.RawEventRecord) (bool, error) {
	if err, ok := f.fail[rec.ExternalEventID]; ok {
		return false, err
	}
	return f.RawEventStore.InsertEvent(ctx, rec)
}

type mapCache struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func newMapCache() *mapCache { return &mapCache{values: make(map[string]string)} }

func (c *mapCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return "", false, c.getErr
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key, memberID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = memberID
	return nil
}

func (c *mapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

type pipeline struct {
	events    *memory.RawEventStore
	mappings  *memory.PersonMappingStore
	branches  *memory.BranchStore
	registry  *service.BranchRegistry
	resolver  *service.MemberResolver
	processor *service.Processor
	ingestor  *service.Ingestor
	trigger   *recordingTrigger
	vendor    *fakeVendor
}

type pipelineOption func(*pipelineOptions)

type pipelineOptions struct {
	known     []string
	events    store.RawEventStore
	cache     service.MemberCache
	processor service.ProcessorConfig
	noVendor  bool
}

func withEventStore(es store.RawEventStore) pipelineOption {
	return func(o *pipelineOptions) { o.events = es }
}

func withCache(c service.MemberCache) pipelineOption {
	return func(o *pipelineOptions) { o.cache = c }
}

func withProcessorConfig(cfg service.ProcessorConfig) pipelineOption {
	return func(o *pipelineOptions) { o.processor = cfg }
}

func withoutVendor() pipelineOption {
	return func(o *pipelineOptions) { o.noVendor = true }
}

// newPipeline wires the service layer over memory stores. Branch "b-1" is
// known, and p-42 maps to member-7 with card CARD-42.
func newPipeline(opts ...pipelineOption) *pipeline {
	o := pipelineOptions{known: []string{"b-1"}}
	for _, opt := range opts {
		opt(&o)
	}

	p := &pipeline{
		events: memory.NewRawEventStore(),
		mappings: memory.NewPersonMappingStore(
			memory.PersonMapping{BranchID: "b-1", PersonID: "p-42", MemberID: "member-7", CardNo: "CARD-42"},
		),
		branches: memory.NewBranchStore(o.known),
		trigger:  &recordingTrigger{},
		vendor:   &fakeVendor{events: make(map[string][]types.VendorEvent)},
	}

	var es store.RawEventStore = p.events
	if o.events != nil {
		es = o.events
	}

	logger := zerolog.Nop()
	p.registry = service.NewBranchRegistry(p.branches, false)
	p.resolver = service.NewMemberResolver(p.mappings, o.cache, logger)
	p.processor = service.NewProcessor(p.registry, es, p.resolver, o.processor, logger)

	var vendor service.VendorClient = p.vendor
	if o.noVendor {
		vendor = nil
	}
	p.ingestor = service.NewIngestor(p.registry, es, vendor, p.trigger, service.IngestorConfig{}, logger)
	return p
}

// seed stores a raw event directly, bypassing the ingestor.
func (p *pipeline) seed(extID string, typ types.EventType, personID string, at time.Time) {
	_, err := p.events.InsertEvent(context.Background(), store.RawEventRecord{
		BranchID:        "b-1",
		ExternalEventID: extID,
		EventType:       typ,
		EventTime:       at,
		PersonID:        personID,
		RawPayload:      []byte(`{}`),
		Source:          store.SourceWebhook,
	})
	if err != nil {
		panic(err)
	}
}

func zerologNop() zerolog.Logger { return zerolog.Nop() }
