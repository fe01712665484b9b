package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/forgefit/accessbridge/internal/accessbridge/service"
	"github.com/forgefit/accessbridge/internal/accessbridge/store/sqlite"
	"github.com/forgefit/accessbridge/internal/cache"
	"github.com/forgefit/accessbridge/internal/config"
	"github.com/forgefit/accessbridge/internal/db"
	"github.com/forgefit/accessbridge/internal/hikvision"
	"github.com/forgefit/accessbridge/internal/logging"
	"github.com/forgefit/accessbridge/internal/queue"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	db     *sql.DB
	writer *db.Worker
	cache  *cache.MemberCache
	events *sqlite.RawEventStore

	registry   *service.BranchRegistry
	processor  *service.Processor
	ingestor   *service.Ingestor
	dispatcher *queue.Dispatcher
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	return cfg, logger, nil
}

// newApp opens storage and builds the pipeline. withQueue attaches the
// process dispatcher as the ingest trigger; one-shot commands run without
// it and process inline.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withQueue bool) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.db, err = db.Open(ctx, db.Config{Path: cfg.Database.Path, Env: cfg.App.Env})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.SeedDev && cfg.App.Env == "dev" {
		if err := db.SeedDev(ctx, a.db, db.SeedDevOptions{KnownBranches: cfg.Branches.Known}); err != nil {
			return nil, fmt.Errorf("seed dev data: %w", err)
		}
		logger.Info().Msg("dev seed applied")
	}
	a.writer = db.NewWorker(a.db)

	branches := sqlite.NewBranchStore(a.db, a.writer)
	if err := branches.SyncKnown(ctx, cfg.Branches.Known); err != nil {
		return nil, fmt.Errorf("sync known branches: %w", err)
	}
	a.events = sqlite.NewRawEventStore(a.db, a.writer)
	mappings := sqlite.NewPersonMappingStore(a.db, a.writer)

	a.registry = service.NewBranchRegistry(branches, len(cfg.Branches.Known) == 0)
	if len(cfg.Branches.Known) == 0 {
		logger.Warn().Msg("branches.known is empty; accepting every branch id")
	}

	var memberCache service.MemberCache
	if cfg.Cache.Enabled {
		a.cache, err = cache.NewMemberCache(ctx, cache.Config{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
		})
		if err != nil {
			return nil, err
		}
		memberCache = a.cache
	}
	members := service.NewMemberResolver(mappings, memberCache, logger)

	a.processor = service.NewProcessor(a.registry, a.events, members, service.ProcessorConfig{
		BatchSize: cfg.Processor.BatchSize,
		LeaseTTL:  cfg.Processor.LeaseTTL,
		Location:  cfg.Location(),
		Method:    cfg.Processor.Method,
	}, logger)

	var trigger service.ProcessTrigger
	if withQueue {
		a.dispatcher, err = queue.NewDispatcher(a.processor, queue.Config{
			MaxRetries:      cfg.Queue.MaxRetries,
			InitialInterval: cfg.Queue.InitialInterval,
			MaxInterval:     cfg.Queue.MaxInterval,
			Multiplier:      cfg.Queue.Multiplier,
			BufferSize:      cfg.Queue.BufferSize,
			CloseTimeout:    cfg.Queue.CloseTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build dispatcher: %w", err)
		}
		trigger = a.dispatcher
	}

	// A nil *hikvision.Client must not end up inside the interface.
	var vendor service.VendorClient
	if cfg.VendorEnabled() {
		vendor = hikvision.NewClient(hikvision.Config{
			BaseURL:             cfg.Vendor.BaseURL,
			APIKey:              cfg.Vendor.APIKey,
			Timeout:             cfg.Vendor.Timeout,
			MaxResults:          cfg.Vendor.MaxResults,
			BreakerMinRequests:  cfg.Vendor.BreakerMinRequests,
			BreakerFailureRatio: cfg.Vendor.BreakerFailureRatio,
			BreakerOpenTimeout:  cfg.Vendor.BreakerOpenTimeout,
		}, logger)
	}

	a.ingestor = service.NewIngestor(a.registry, a.events, vendor, trigger, service.IngestorConfig{
		FetchWindow: cfg.Vendor.FetchWindow,
	}, logger)

	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.writer != nil {
		a.writer.Close()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
