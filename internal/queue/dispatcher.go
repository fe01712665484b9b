// Package queue carries process-branch commands from the ingest paths to
// the processor over an in-process Watermill pub/sub. Failed runs are
// retried with backoff and end up on a poison topic.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/forgefit/accessbridge/internal/accessbridge/service"
	"github.com/forgefit/accessbridge/internal/accessbridge/types"
	"github.com/forgefit/accessbridge/internal/logging"
	"github.com/forgefit/accessbridge/internal/metrics"
)

const (
	ProcessTopic = "accessbridge.process"
	PoisonTopic  = "accessbridge.process.poison"
)

// BranchProcessor runs one processing batch for a branch.
type BranchProcessor interface {
	Process(ctx context.Context, branchID string) (types.ProcessResponse, error)
	BatchSize() int
}

type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// BufferSize is the per-subscriber channel buffer.
	BufferSize   int64
	CloseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		BufferSize:      256,
		CloseTimeout:    10 * time.Second,
	}
}

type processCommand struct {
	BranchID string `json:"branch_id"`
}

// Dispatcher implements service.ProcessTrigger. Triggers published before
// the router is running are dropped; the scheduler sweep covers them.
type Dispatcher struct {
	pubsub    *gochannel.GoChannel
	router    *message.Router
	processor BranchProcessor
	logger    zerolog.Logger
	poisoned  atomic.Int64
}

func NewDispatcher(proc BranchProcessor, cfg Config, logger zerolog.Logger) (*Dispatcher, error) {
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}

	logger = logger.With().Str("component", "queue").Logger()
	wmLogger := watermill.NewSlogLogger(logging.NewSlogLogger(logger))

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.BufferSize,
	}, wmLogger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	poison, err := middleware.PoisonQueue(pubsub, PoisonTopic)
	if err != nil {
		return nil, fmt.Errorf("create poison queue middleware: %w", err)
	}

	// Outermost first: poison sees only errors that survived every retry,
	// and panics become retryable errors.
	router.AddMiddleware(
		middleware.CorrelationID,
		poison,
		middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.InitialInterval,
			MaxInterval:     cfg.MaxInterval,
			Multiplier:      cfg.Multiplier,
			Logger:          wmLogger,
		}.Middleware,
		middleware.Recoverer,
	)

	d := &Dispatcher{
		pubsub:    pubsub,
		router:    router,
		processor: proc,
		logger:    logger,
	}

	router.AddConsumerHandler("process-branch", ProcessTopic, pubsub, d.handleProcess)

	router.AddConsumerHandler("process-branch-poison", PoisonTopic, pubsub, d.handlePoison)

	return d, nil
}

// Trigger enqueues a processing run for branchID. It does not block on the
// run itself.
func (d *Dispatcher) Trigger(_ context.Context, branchID string) error {
	payload, err := json.Marshal(processCommand{BranchID: branchID})
	if err != nil {
		return fmt.Errorf("encode process command: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	middleware.SetCorrelationID(watermill.NewShortUUID(), msg)

	if err := d.pubsub.Publish(ProcessTopic, msg); err != nil {
		return fmt.Errorf("publish process command: %w", err)
	}
	return nil
}

func (d *Dispatcher) handleProcess(msg *message.Message) error {
	var cmd processCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		d.logger.Error().Err(err).Str("message_uuid", msg.UUID).Msg("drop undecodable process command")
		return nil
	}

	log := d.logger.With().
		Str("branch_id", cmd.BranchID).
		Str("correlation_id", middleware.MessageCorrelationID(msg)).
		Logger()

	resp, err := d.processor.Process(msg.Context(), cmd.BranchID)
	switch {
	case errors.Is(err, service.ErrInvalidBranchID), errors.Is(err, service.ErrUnknownBranch):
		log.Warn().Err(err).Msg("drop process command for unaccepted branch")
		return nil
	case err != nil:
		return fmt.Errorf("process branch %s: %w", cmd.BranchID, err)
	case resp.FailedCount > 0:
		return fmt.Errorf("%w: %d of %d events in branch %s",
			service.ErrIncompleteBatch, resp.FailedCount, resp.TotalEvents, cmd.BranchID)
	}

	metrics.ProcessTriggers.WithLabelValues("handled").Inc()

	// A full batch means there may be more waiting.
	if resp.TotalEvents >= d.processor.BatchSize() {
		if err := d.Trigger(context.WithoutCancel(msg.Context()), cmd.BranchID); err != nil {
			log.Warn().Err(err).Msg("enqueue follow-up process command")
		}
	}
	return nil
}

func (d *Dispatcher) handlePoison(msg *message.Message) error {
	d.poisoned.Add(1)
	metrics.ProcessTriggers.WithLabelValues("poisoned").Inc()

	var cmd processCommand
	_ = json.Unmarshal(msg.Payload, &cmd)

	d.logger.Error().
		Str("branch_id", cmd.BranchID).
		Str("correlation_id", middleware.MessageCorrelationID(msg)).
		Str("reason", msg.Metadata.Get(middleware.ReasonForPoisonedKey)).
		Msg("process command exhausted retries")
	return nil
}

// PoisonedCount reports how many commands reached the poison topic.
func (d *Dispatcher) PoisonedCount() int64 {
	return d.poisoned.Load()
}

// Serve runs the router until ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	if err := d.router.Run(ctx); err != nil {
		return fmt.Errorf("run router: %w", err)
	}
	return ctx.Err()
}

// Running is closed once the router's handlers are subscribed.
func (d *Dispatcher) Running() chan struct{} {
	return d.router.Running()
}

func (d *Dispatcher) Close() error {
	return errors.Join(d.router.Close(), d.pubsub.Close())
}

func (d *Dispatcher) String() string { return "process-dispatcher" }
