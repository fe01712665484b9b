package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgefit/accessbridge/internal/accessbridge/store"
	"github.com/forgefit/accessbridge/internal/accessbridge/types"
	"github.com/forgefit/accessbridge/internal/metrics"
)

// VendorClient searches the vendor API for a branch's events.
type VendorClient interface {
	FetchEvents(ctx context.Context, branchID string, start, end time.Time) ([]types.VendorEvent, error)
}

// ProcessTrigger schedules a processing run for a branch.
type ProcessTrigger interface {
	Trigger(ctx context.Context, branchID string) error
}

type IngestorConfig struct {
	// FetchWindow is how far back IngestFetch asks the vendor. Defaults to
	// 24h.
	FetchWindow time.Duration
}

// Ingestor stores vendor events from webhooks and vendor fetches, then asks
// for a processing run.
type Ingestor struct {
	registry    *BranchRegistry
	events      store.RawEventStore
	vendor      VendorClient
	trigger     ProcessTrigger
	fetchWindow time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewIngestor builds an Ingestor. vendor and trigger may be nil: without a
// vendor IngestFetch fails with ErrVendorNotConfigured, without a trigger
// stored events wait for the periodic sweep.
func NewIngestor(reg *BranchRegistry, es store.RawEventStore, vendor VendorClient, trigger ProcessTrigger, cfg IngestorConfig, logger zerolog.Logger) *Ingestor {
	window := cfg.FetchWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Ingestor{
		registry:    reg,
		events:      es,
		vendor:      vendor,
		trigger:     trigger,
		fetchWindow: window,
		logger:      logger.With().Str("component", "ingestor").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Ingestor) VendorConfigured() bool {
	return s.vendor != nil
}

// IngestWebhook stores one pushed event. The response reflects the storage
// step only; processing is enqueued and its outcome is not waited for.
func (s *Ingestor) IngestWebhook(ctx context.Context, branchID string, payload types.EventPayload, raw []byte) (types.WebhookResponse, error) {
	id, err := s.registry.Require(ctx, branchID)
	if err != nil {
		return types.WebhookResponse{Success: false, Message: err.Error()}, err
	}

	rec := NormalizeEvent(id, payload, raw, store.SourceWebhook, s.now())

	inserted, err := s.events.InsertEvent(ctx, rec)
	if err != nil {
		metrics.EventsIngested.WithLabelValues(string(store.SourceWebhook), "error").Inc()
		s.logger.Error().Err(err).
			Str("branch_id", id).
			Str("event_id", rec.ExternalEventID).
			Msg("store webhook event")
		return types.WebhookResponse{Success: false, Message: "failed to store event"},
			fmt.Errorf("store event %s: %w", rec.ExternalEventID, err)
	}

	if !inserted {
		metrics.EventsIngested.WithLabelValues(string(store.SourceWebhook), "duplicate").Inc()
		s.logger.Debug().Str("branch_id", id).Str("event_id", rec.ExternalEventID).Msg("duplicate webhook event")
		return types.WebhookResponse{Success: true, Message: "duplicate event ignored", EventID: rec.ExternalEventID}, nil
	}

	metrics.EventsIngested.WithLabelValues(string(store.SourceWebhook), "stored").Inc()
	s.noteSeen(ctx, id, rec.EventTime)
	s.enqueue(ctx, id)

	return types.WebhookResponse{Success: true, Message: "event stored", EventID: rec.ExternalEventID}, nil
}

// IngestFetch pulls the trailing window of events from the vendor and
// stores the ones not seen before. A vendor failure aborts the call; a
// storage failure for one event is logged and skipped.
func (s *Ingestor) IngestFetch(ctx context.Context, branchID string) (types.FetchResponse, error) {
	id, err := s.registry.Require(ctx, branchID)
	if err != nil {
		return types.FetchResponse{Success: false, Message: err.Error()}, err
	}
	if s.vendor == nil {
		return types.FetchResponse{Success: false, Message: ErrVendorNotConfigured.Error()}, ErrVendorNotConfigured
	}

	now := s.now()
	fetched, err := s.vendor.FetchEvents(ctx, id, now.Add(-s.fetchWindow), now)
	if err != nil {
		metrics.FetchRuns.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("branch_id", id).Msg("fetch vendor events")
		return types.FetchResponse{Success: false, Message: "failed to fetch events from vendor"},
			fmt.Errorf("fetch events for %s: %w", id, err)
	}

	var (
		stored int
		latest time.Time
	)
	for _, ev := range fetched {
		rec := NormalizeEvent(id, ev.Payload, ev.Raw, store.SourceFetch, now)

		inserted, err := s.events.InsertEvent(ctx, rec)
		if err != nil {
			metrics.EventsIngested.WithLabelValues(string(store.SourceFetch), "error").Inc()
			s.logger.Warn().Err(err).
				Str("branch_id", id).
				Str("event_id", rec.ExternalEventID).
				Msg("store fetched event, skipping")
			continue
		}
		if !inserted {
			metrics.EventsIngested.WithLabelValues(string(store.SourceFetch), "duplicate").Inc()
			continue
		}

		metrics.EventsIngested.WithLabelValues(string(store.SourceFetch), "stored").Inc()
		stored++
		if rec.EventTime.After(latest) {
			latest = rec.EventTime
		}
	}

	metrics.FetchRuns.WithLabelValues("success").Inc()
	s.logger.Info().
		Str("branch_id", id).
		Int("fetched", len(fetched)).
		Int("stored", stored).
		Msg("vendor fetch complete")

	if stored > 0 {
		s.noteSeen(ctx, id, latest)
		s.enqueue(ctx, id)
	}

	return types.FetchResponse{Success: true, Fetched: len(fetched), Stored: stored}, nil
}

func (s *Ingestor) noteSeen(ctx context.Context, branchID string, at time.Time) {
	if err := s.registry.NoteSeen(ctx, branchID, at); err != nil {
		s.logger.Warn().Err(err).Str("branch_id", branchID).Msg("mark branch seen")
	}
}

// enqueue never fails the caller; the sweep picks up anything it misses.
func (s *Ingestor) enqueue(ctx context.Context, branchID string) {
	if s.trigger == nil {
		return
	}
	if err := s.trigger.Trigger(context.WithoutCancel(ctx), branchID); err != nil {
		metrics.ProcessTriggers.WithLabelValues("enqueue_error").Inc()
		s.logger.Warn().Err(err).Str("branch_id", branchID).Msg("enqueue process trigger")
		return
	}
	metrics.ProcessTriggers.WithLabelValues("enqueued").Inc()
}
