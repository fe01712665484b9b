package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var branchID string

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch recent events for one branch from the Hikvision API, then process them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnce(cmd, func(ctx context.Context, a *app) (any, error) {
			fetched, err := a.ingestor.IngestFetch(ctx, branchID)
			if err != nil {
				return fetched, err
			}
			processed, err := drain(ctx, a)
			return map[string]any{"fetch": fetched, "process": processed}, err
		})
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process pending events for one branch until none are left",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnce(cmd, drain)
	},
}

func init() {
	for _, c := range []*cobra.Command{fetchCmd, processCmd} {
		c.Flags().StringVarP(&branchID, "branch", "b", "", "branch id")
		_ = c.MarkFlagRequired("branch")
		rootCmd.AddCommand(c)
	}
}

// runOnce builds the pipeline without the queue, runs fn and prints its
// result as JSON.
func runOnce(cmd *cobra.Command, fn func(context.Context, *app) (any, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		return encErr
	}
	return err
}

// drain repeats processing runs while they come back full and clean, the
// same follow-up rule the queue applies.
func drain(ctx context.Context, a *app) (any, error) {
	var (
		runs      int
		processed int
		failed    int
	)
	for {
		res, err := a.processor.Process(ctx, branchID)
		if err != nil {
			return res, err
		}
		runs++
		processed += res.ProcessedCount
		failed += res.FailedCount
		if res.FailedCount > 0 || res.TotalEvents < a.processor.BatchSize() {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	pending, err := a.events.PendingCount(ctx, branchID)
	if err != nil {
		return nil, err
	}
	summary := map[string]any{
		"runs":      runs,
		"processed": processed,
		"failed":    failed,
		"pending":   pending,
	}
	if failed > 0 {
		return summary, fmt.Errorf("%d events failed and were released for retry", failed)
	}
	return summary, nil
}
