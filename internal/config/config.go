package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	App       AppConfig       `koanf:"app"`
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Branches  BranchesConfig  `koanf:"branches"`
	Processor ProcessorConfig `koanf:"processor"`
	Queue     QueueConfig     `koanf:"queue"`
	Vendor    VendorConfig    `koanf:"vendor"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Cache     CacheConfig     `koanf:"cache"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type AppConfig struct {
	Env string `koanf:"env" validate:"oneof=dev prod"`
}

type ServerConfig struct {
	HTTPAddr             string        `koanf:"http_addr" validate:"required"`
	GRPCAddr             string        `koanf:"grpc_addr"` // empty disables the health server
	WebhookSecret        string        `koanf:"webhook_secret"`
	WebhookRatePerMinute int           `koanf:"webhook_rate_per_minute" validate:"gte=0"`
	ReadHeaderTimeout    time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout      time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	Path    string `koanf:"path" validate:"required"`
	SeedDev bool   `koanf:"seed_dev"`
}

type BranchesConfig struct {
	// Known lists the accepted branch ids. Empty accepts every branch and
	// disables the scheduler.
	Known []string `koanf:"known"`
}

type ProcessorConfig struct {
	BatchSize int           `koanf:"batch_size" validate:"min=1,max=1000"`
	LeaseTTL  time.Duration `koanf:"lease_ttl" validate:"gt=0"`
	Timezone  string        `koanf:"timezone" validate:"required"`
	Method    string        `koanf:"method" validate:"required"`
}

type QueueConfig struct {
	MaxRetries      int           `koanf:"max_retries" validate:"gte=0"`
	InitialInterval time.Duration `koanf:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `koanf:"max_interval" validate:"gtefield=InitialInterval"`
	Multiplier      float64       `koanf:"multiplier" validate:"gte=1"`
	BufferSize      int64         `koanf:"buffer_size" validate:"gte=0"`
	CloseTimeout    time.Duration `koanf:"close_timeout" validate:"gt=0"`
}

type VendorConfig struct {
	BaseURL             string        `koanf:"base_url" validate:"omitempty,url"`
	APIKey              string        `koanf:"api_key"`
	Timeout             time.Duration `koanf:"timeout" validate:"gt=0"`
	FetchWindow         time.Duration `koanf:"fetch_window" validate:"gt=0"`
	MaxResults          int           `koanf:"max_results" validate:"min=1"`
	BreakerMinRequests  uint32        `koanf:"breaker_min_requests" validate:"min=1"`
	BreakerFailureRatio float64       `koanf:"breaker_failure_ratio" validate:"gt=0,lte=1"`
	BreakerOpenTimeout  time.Duration `koanf:"breaker_open_timeout" validate:"gt=0"`
}

type SchedulerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	FetchInterval   time.Duration `koanf:"fetch_interval" validate:"gt=0"`
	ProcessInterval time.Duration `koanf:"process_interval" validate:"gt=0"`
	Concurrency     int           `koanf:"concurrency" validate:"min=1"`
}

type CacheConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr" validate:"required_if=Enabled true"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db" validate:"gte=0"`
	TTL      time.Duration `koanf:"ttl" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		App: AppConfig{Env: "dev"},
		Server: ServerConfig{
			HTTPAddr:             ":8080",
			GRPCAddr:             ":9090",
			WebhookRatePerMinute: 600,
			ReadHeaderTimeout:    5 * time.Second,
			ShutdownTimeout:      10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/accessbridge.db",
		},
		Processor: ProcessorConfig{
			BatchSize: 100,
			LeaseTTL:  5 * time.Minute,
			Timezone:  "UTC",
			Method:    "hikvision",
		},
		Queue: QueueConfig{
			MaxRetries:      3,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
			BufferSize:      256,
			CloseTimeout:    10 * time.Second,
		},
		Vendor: VendorConfig{
			Timeout:             15 * time.Second,
			FetchWindow:         24 * time.Hour,
			MaxResults:          1000,
			BreakerMinRequests:  5,
			BreakerFailureRatio: 0.6,
			BreakerOpenTimeout:  30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			FetchInterval:   5 * time.Minute,
			ProcessInterval: time.Minute,
			Concurrency:     4,
		},
		Cache: CacheConfig{
			Addr: "localhost:6379",
			TTL:  10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, then the cross-field rules tags cannot say.
func (c *Config) Validate() error {
	c.App.Env = strings.ToLower(strings.TrimSpace(c.App.Env))
	c.Branches.Known = normalizeList(c.Branches.Known)

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := time.LoadLocation(c.Processor.Timezone); err != nil {
		return fmt.Errorf("invalid config: processor.timezone %q: %w", c.Processor.Timezone, err)
	}

	if c.App.Env == "prod" && c.Server.WebhookSecret == "" {
		return fmt.Errorf("invalid config: server.webhook_secret is required in prod")
	}

	return nil
}

// Location returns the zone used to derive attendance dates.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Processor.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// VendorEnabled reports whether a Hikvision API endpoint is configured.
func (c *Config) VendorEnabled() bool {
	return strings.TrimSpace(c.Vendor.BaseURL) != ""
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
