package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgefit/accessbridge/internal/accessbridge/service"
	"github.com/forgefit/accessbridge/internal/grpcapi"
	"github.com/forgefit/accessbridge/internal/httpapi"
	"github.com/forgefit/accessbridge/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook API, process queue and fetch scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("close resources")
		}
	}()

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	tree.AddPipelineService(a.dispatcher)
	if cfg.Scheduler.Enabled {
		tree.AddPipelineService(service.NewFetchScheduler(a.ingestor, a.dispatcher, cfg.Branches.Known, service.SchedulerConfig{
			FetchInterval:   cfg.Scheduler.FetchInterval,
			ProcessInterval: cfg.Scheduler.ProcessInterval,
			Concurrency:     cfg.Scheduler.Concurrency,
		}, logger))
	}

	tree.AddAPIService(httpapi.NewServer(httpapi.Dependencies{
		Logger:               logger,
		Addr:                 cfg.Server.HTTPAddr,
		Ingestor:             a.ingestor,
		Processor:            a.processor,
		WebhookSecret:        cfg.Server.WebhookSecret,
		WebhookRatePerMinute: cfg.Server.WebhookRatePerMinute,
		ReadHeaderTimeout:    cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:      cfg.Server.ShutdownTimeout,
	}))
	if cfg.Server.GRPCAddr != "" {
		tree.AddAPIService(grpcapi.NewHealthServer(cfg.Server.GRPCAddr, logger))
	}

	logger.Info().
		Str("env", cfg.App.Env).
		Str("http_addr", cfg.Server.HTTPAddr).
		Str("grpc_addr", cfg.Server.GRPCAddr).
		Strs("branches", cfg.Branches.Known).
		Bool("vendor", cfg.VendorEnabled()).
		Bool("scheduler", cfg.Scheduler.Enabled).
		Bool("cache", cfg.Cache.Enabled).
		Msg("accessbridge starting")

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logger.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor exited")
		return err
	}
	logger.Info().Msg("accessbridge stopped")
	return nil
}
