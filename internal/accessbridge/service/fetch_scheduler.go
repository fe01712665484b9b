package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type SchedulerConfig struct {
	// FetchInterval is how often every branch is fetched from the vendor.
	// Defaults to 5m. The fetch job is skipped when the ingestor has no
	// vendor configured.
	FetchInterval time.Duration

	// ProcessInterval is how often a process trigger is swept to every
	// branch. Defaults to 1m.
	ProcessInterval time.Duration

	// Concurrency bounds how many branches are fetched at once.
	Concurrency int
}

// FetchScheduler periodically pulls vendor events for each branch and
// sweeps process triggers so expired leases and failed events are retried.
// Both jobs run once immediately on start.
type FetchScheduler struct {
	ingestor *Ingestor
	trigger  ProcessTrigger
	branches []string
	cfg      SchedulerConfig
	logger   zerolog.Logger
}

func NewFetchScheduler(ing *Ingestor, trigger ProcessTrigger, branches []string, cfg SchedulerConfig, logger zerolog.Logger) *FetchScheduler {
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 5 * time.Minute
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &FetchScheduler{
		ingestor: ing,
		trigger:  trigger,
		branches: branches,
		cfg:      cfg,
		logger:   logger.With().Str("component", "fetch_scheduler").Logger(),
	}
}

// Serve runs the jobs until ctx is cancelled.
func (s *FetchScheduler) Serve(ctx context.Context) error {
	if len(s.branches) == 0 {
		s.logger.Info().Msg("fetch scheduler idle (no branches configured)")
		<-ctx.Done()
		return ctx.Err()
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if s.ingestor.VendorConfigured() {
		_, err = sched.NewJob(
			gocron.DurationJob(s.cfg.FetchInterval),
			gocron.NewTask(func() {
				if err := s.FetchAll(ctx); err != nil {
					s.logger.Warn().Err(err).Msg("scheduled fetch finished with errors")
				}
			}),
			gocron.WithName("vendor-fetch"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return fmt.Errorf("schedule fetch job: %w", err)
		}
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.ProcessInterval),
		gocron.NewTask(func() {
			if err := s.SweepAll(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("process sweep finished with errors")
			}
		}),
		gocron.WithName("process-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep job: %w", err)
	}

	sched.Start()
	s.logger.Info().
		Int("branches", len(s.branches)).
		Dur("fetch_interval", s.cfg.FetchInterval).
		Dur("process_interval", s.cfg.ProcessInterval).
		Bool("fetch_enabled", s.ingestor.VendorConfigured()).
		Msg("fetch scheduler started")

	<-ctx.Done()

	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return ctx.Err()
}

func (s *FetchScheduler) String() string { return "fetch-scheduler" }

// FetchAll fetches every branch, at most cfg.Concurrency at a time. One
// branch failing does not stop the others; their errors are joined.
func (s *FetchScheduler) FetchAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, branchID := range s.branches {
		g.Go(func() error {
			if _, err := s.ingestor.IngestFetch(gctx, branchID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// SweepAll enqueues a process trigger for every branch.
func (s *FetchScheduler) SweepAll(ctx context.Context) error {
	if s.trigger == nil {
		return nil
	}
	var errs []error
	for _, branchID := range s.branches {
		if err := s.trigger.Trigger(ctx, branchID); err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", branchID, err))
		}
	}
	return errors.Join(errs...)
}
