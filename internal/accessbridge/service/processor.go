package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgefit/accessbridge/internal/accessbridge/store"
	"github.com/forgefit/accessbridge/internal/accessbridge/types"
	"github.com/forgefit/accessbridge/internal/metrics"
)

// Per-event outcomes, also used as metric labels.
const (
	OutcomeAttendance = "attendance"
	OutcomeDenial     = "denial"
	OutcomeUnmapped   = "unmapped"
	OutcomeDropped    = "dropped"
	OutcomeFailed     = "failed"
	OutcomeLeaseLost  = "lease_lost"
)

const DefaultBatchSize = 100

type ProcessorConfig struct {
	BatchSize int
	LeaseTTL  time.Duration

	// Location is the zone attendance dates are computed in. Defaults to
	// UTC.
	Location *time.Location

	// Method is stamped on every attendance record.
	Method string
}

// Processor turns claimed raw events into attendance records and denial
// logs, one event at a time in event-time order.
type Processor struct {
	registry *BranchRegistry
	events   store.RawEventStore
	members  *MemberResolver
	cfg      ProcessorConfig
	logger   zerolog.Logger
	now      func() time.Time
}

func NewProcessor(reg *BranchRegistry, es store.RawEventStore, members *MemberResolver, cfg ProcessorConfig, logger zerolog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Method == "" {
		cfg.Method = "hikvision"
	}
	return &Processor{
		registry: reg,
		events:   es,
		members:  members,
		cfg:      cfg,
		logger:   logger.With().Str("component", "processor").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) BatchSize() int {
	return p.cfg.BatchSize
}

// Process runs one batch for branchID. Failed events are released and stay
// pending; they are reported in FailedCount, not as an error. An error is
// returned only when the batch could not be claimed at all.
func (p *Processor) Process(ctx context.Context, branchID string) (types.ProcessResponse, error) {
	id, err := p.registry.Require(ctx, branchID)
	if err != nil {
		return types.ProcessResponse{Success: false, Message: err.Error()}, err
	}

	start := time.Now()
	defer func() { metrics.ProcessRunDuration.Observe(time.Since(start).Seconds()) }()

	owner := uuid.NewString()
	log := p.logger.With().Str("branch_id", id).Str("lease_owner", owner).Logger()

	claimed, err := p.events.ClaimBatch(ctx, store.ClaimRequest{
		BranchID: id,
		Owner:    owner,
		Limit:    p.cfg.BatchSize,
		LeaseTTL: p.cfg.LeaseTTL,
		Now:      p.now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("claim batch")
		return types.ProcessResponse{Success: false, Message: "failed to claim events"},
			fmt.Errorf("claim batch for %s: %w", id, err)
	}
	metrics.ProcessBatchSize.Observe(float64(len(claimed)))

	resp := types.ProcessResponse{Success: true, TotalEvents: len(claimed)}
	for _, ev := range claimed {
		outcome, err := p.handle(ctx, owner, ev)
		switch {
		case errors.Is(err, store.ErrLeaseLost):
			outcome = OutcomeLeaseLost
			log.Warn().Int64("event_row", ev.ID).Str("event_id", ev.ExternalEventID).Msg("lease lost, event left to its new owner")
		case err != nil:
			outcome = OutcomeFailed
			resp.FailedCount++
			log.Error().Err(err).Int64("event_row", ev.ID).Str("event_id", ev.ExternalEventID).Msg("process event")
			p.release(ctx, log, owner, ev, err)
		default:
			resp.ProcessedCount++
		}
		metrics.EventsProcessed.WithLabelValues(outcome).Inc()
	}

	if resp.TotalEvents > 0 {
		log.Info().
			Int("total", resp.TotalEvents).
			Int("processed", resp.ProcessedCount).
			Int("failed", resp.FailedCount).
			Msg("processing run complete")
	}
	if resp.FailedCount > 0 {
		resp.Message = fmt.Sprintf("%d events failed and will be retried", resp.FailedCount)
	}
	return resp, nil
}

// handle builds the derived record for ev, if any, and completes it.
func (p *Processor) handle(ctx context.Context, owner string, ev store.RawEventRecord) (string, error) {
	processedAt := p.now()
	c := store.Completion{EventID: ev.ID, Owner: owner, ProcessedAt: processedAt}
	outcome := OutcomeDropped

	switch ev.EventType {
	case types.EventEntry, types.EventExit:
		memberID, found, err := p.members.Resolve(ctx, ev.BranchID, ev.PersonID, ev.CardNo)
		if err != nil {
			return "", fmt.Errorf("resolve member: %w", err)
		}
		if !found {
			outcome = OutcomeUnmapped
			break
		}
		c.Attendance = p.attendance(ev, memberID, processedAt)
		outcome = OutcomeAttendance

	case types.EventDenied:
		c.Denial = &store.AccessDenialLog{
			SourceEventID:   ev.ID,
			BranchID:        ev.BranchID,
			PersonID:        ev.PersonID,
			ExternalEventID: ev.ExternalEventID,
			DeviceID:        ev.DeviceID,
			DoorID:          ev.DoorID,
			DoorName:        ev.DoorName,
			CardNo:          ev.CardNo,
			EventTime:       ev.EventTime,
			RawPayload:      ev.RawPayload,
			CreatedAt:       processedAt,
		}
		outcome = OutcomeDenial
	}

	if err := p.events.CompleteEvent(ctx, c); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return "", err
		}
		return "", fmt.Errorf("complete event: %w", err)
	}
	return outcome, nil
}

func (p *Processor) attendance(ev store.RawEventRecord, memberID string, createdAt time.Time) *store.AttendanceRecord {
	at := ev.EventTime
	rec := &store.AttendanceRecord{
		SourceEventID:  ev.ID,
		MemberID:       memberID,
		BranchID:       ev.BranchID,
		AttendanceDate: at.In(p.cfg.Location).Format(time.DateOnly),
		Method:         p.cfg.Method,
		CreatedAt:      createdAt,
	}
	if ev.EventType == types.EventEntry {
		rec.CheckIn = &at
	} else {
		rec.CheckOut = &at
	}
	return rec
}

// release runs even when ctx is already cancelled so the event does not sit
// out its whole lease.
func (p *Processor) release(ctx context.Context, log zerolog.Logger, owner string, ev store.RawEventRecord, cause error) {
	if err := p.events.ReleaseClaim(context.WithoutCancel(ctx), ev.ID, owner, cause.Error()); err != nil {
		log.Warn().Err(err).Int64("event_row", ev.ID).Msg("release claim")
	}
}
