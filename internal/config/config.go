// Package config loads conductor settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sunshow/workgear/conductor/internal/agent"
	"github.com/sunshow/workgear/conductor/internal/db"
	"github.com/sunshow/workgear/conductor/internal/engine"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/oracle"
)

// Config is the full conductor configuration.
type Config struct {
	GRPCPort    string `yaml:"grpc_port"`
	DatabaseURL string `yaml:"database_url"`

	TickInterval          time.Duration `yaml:"tick_interval"`
	MaxConcurrency        int           `yaml:"max_concurrency"`
	HistoryCap            int           `yaml:"history_cap"`
	TokenEstimateInterval time.Duration `yaml:"token_estimate_interval"`

	VerifyOnError    string        `yaml:"verify_on_error"`
	OfflineFallback  bool          `yaml:"offline_fallback"`
	OfflineDelay     time.Duration `yaml:"offline_delay"`
	RetryMaxAttempts uint          `yaml:"retry_max_attempts"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
	RetryMaxInterval time.Duration `yaml:"retry_max_interval"`

	MaintenanceEnabled  bool          `yaml:"maintenance_enabled"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	MaintenanceBatch    int           `yaml:"maintenance_batch"`

	// Agents replaces the built-in catalog when non-empty.
	Agents []agent.Agent `yaml:"agents"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		GRPCPort:              "50051",
		TickInterval:          engine.DefaultTickInterval,
		HistoryCap:            100,
		TokenEstimateInterval: 2 * time.Second,
		VerifyOnError:         string(oracle.VerifyPass),
		OfflineFallback:       true,
		OfflineDelay:          300 * time.Millisecond,
		RetryMaxAttempts:      oracle.DefaultRetryPolicy.MaxAttempts,
		RetryInitial:          oracle.DefaultRetryPolicy.Initial,
		RetryMaxInterval:      oracle.DefaultRetryPolicy.MaxInterval,
		MaintenanceEnabled:    true,
		MaintenanceInterval:   30 * time.Second,
		MaintenanceBatch:      3,
	}
}

// Load reads .env (if present), then path (if non-empty), then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ─── Environment ───

type lookupFunc func(key string) (string, bool)

// applyEnv overrides fields from the environment. GRPC_PORT and DATABASE_URL
// keep their historical names; everything else is CONDUCTOR_ prefixed.
func (c *Config) applyEnv(lookup lookupFunc) error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s: %w", key, perr))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s: %w", key, perr))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s: %w", key, perr))
				return
			}
			*dst = d
		}
	}

	str("GRPC_PORT", &c.GRPCPort)
	str("DATABASE_URL", &c.DatabaseURL)
	duration("CONDUCTOR_TICK_INTERVAL", &c.TickInterval)
	integer("CONDUCTOR_MAX_CONCURRENCY", &c.MaxConcurrency)
	integer("CONDUCTOR_HISTORY_CAP", &c.HistoryCap)
	duration("CONDUCTOR_TOKEN_ESTIMATE_INTERVAL", &c.TokenEstimateInterval)
	str("CONDUCTOR_VERIFY_ON_ERROR", &c.VerifyOnError)
	boolean("CONDUCTOR_OFFLINE_FALLBACK", &c.OfflineFallback)
	duration("CONDUCTOR_OFFLINE_DELAY", &c.OfflineDelay)
	if v, ok := lookup("CONDUCTOR_RETRY_MAX_ATTEMPTS"); ok && v != "" {
		n, perr := strconv.ParseUint(v, 10, 32)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("CONDUCTOR_RETRY_MAX_ATTEMPTS: %w", perr))
		} else {
			c.RetryMaxAttempts = uint(n)
		}
	}
	duration("CONDUCTOR_RETRY_INITIAL", &c.RetryInitial)
	duration("CONDUCTOR_RETRY_MAX_INTERVAL", &c.RetryMaxInterval)
	boolean("CONDUCTOR_MAINTENANCE_ENABLED", &c.MaintenanceEnabled)
	duration("CONDUCTOR_MAINTENANCE_INTERVAL", &c.MaintenanceInterval)
	integer("CONDUCTOR_MAINTENANCE_BATCH", &c.MaintenanceBatch)
	return err
}

// ─── Validation ───

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if c.GRPCPort == "" {
		err = multierr.Append(err, errors.New("grpc_port is required"))
	} else if p, perr := strconv.Atoi(c.GRPCPort); perr != nil || p <= 0 || p > 65535 {
		err = multierr.Append(err, fmt.Errorf("grpc_port %q is not a valid port", c.GRPCPort))
	}
	if c.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("tick_interval must be positive"))
	}
	if c.MaxConcurrency < 0 {
		err = multierr.Append(err, errors.New("max_concurrency must not be negative"))
	}
	if c.HistoryCap <= 0 {
		err = multierr.Append(err, errors.New("history_cap must be positive"))
	}
	if c.TokenEstimateInterval < 0 {
		err = multierr.Append(err, errors.New("token_estimate_interval must not be negative"))
	}
	switch oracle.VerifyOnError(strings.ToLower(c.VerifyOnError)) {
	case oracle.VerifyPass, oracle.VerifyFail:
	default:
		err = multierr.Append(err, fmt.Errorf("verify_on_error must be %q or %q, got %q", oracle.VerifyPass, oracle.VerifyFail, c.VerifyOnError))
	}
	if c.OfflineDelay < 0 {
		err = multierr.Append(err, errors.New("offline_delay must not be negative"))
	}
	if c.RetryMaxAttempts == 0 {
		err = multierr.Append(err, errors.New("retry_max_attempts must be at least 1"))
	}
	if c.RetryInitial <= 0 || c.RetryMaxInterval < c.RetryInitial {
		err = multierr.Append(err, errors.New("retry_initial must be positive and not exceed retry_max_interval"))
	}
	if c.MaintenanceEnabled {
		if c.MaintenanceInterval <= 0 {
			err = multierr.Append(err, errors.New("maintenance_interval must be positive"))
		}
		if c.MaintenanceBatch <= 0 {
			err = multierr.Append(err, errors.New("maintenance_batch must be positive"))
		}
	}
	if len(c.Agents) > 0 {
		if _, rerr := agent.NewRegistry(c.Agents...); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("agents: %w", rerr))
		}
	}
	return err
}

// ─── Wiring ───

// Registry builds the agent catalog, falling back to the built-in agents.
func (c *Config) Registry() (*agent.Registry, error) {
	if len(c.Agents) == 0 {
		return agent.NewRegistry(agent.DefaultAgents()...)
	}
	return agent.NewRegistry(c.Agents...)
}

// Oracle builds the production oracle stack around inner. A nil inner uses
// the offline oracle.
func (c *Config) Oracle(inner oracle.Oracle, logger *zap.SugaredLogger) oracle.Oracle {
	offline := oracle.NewOffline(c.OfflineDelay, logger)
	if inner == nil {
		inner = offline
	}
	opts := oracle.ResilientOptions{
		Retry: oracle.RetryPolicy{
			MaxAttempts: c.RetryMaxAttempts,
			Initial:     c.RetryInitial,
			MaxInterval: c.RetryMaxInterval,
		},
		VerifyOnError: oracle.VerifyOnError(strings.ToLower(c.VerifyOnError)),
	}
	if c.OfflineFallback {
		opts.Fallback = offline
	}
	return oracle.NewResilient(inner, opts, logger)
}

// EngineOptions maps the configuration onto engine options. store and
// approver may be nil.
func (c *Config) EngineOptions(store db.Store, approver engine.Approver) engine.Options {
	return engine.Options{
		TickInterval:          c.TickInterval,
		MaxConcurrency:        c.MaxConcurrency,
		TokenEstimateInterval: c.TokenEstimateInterval,
		HistoryCap:            c.HistoryCap,
		Maintenance: engine.MaintenanceOptions{
			Enabled:  c.MaintenanceEnabled,
			Interval: c.MaintenanceInterval,
			Batch:    c.MaintenanceBatch,
		},
		Store:    store,
		Approver: approver,
	}
}

// OpenStore connects to PostgreSQL when a database URL is configured and
// returns a nil Store otherwise.
func (c *Config) OpenStore(ctx context.Context, logger *zap.SugaredLogger) (db.Store, error) {
	if c.DatabaseURL == "" {
		logger.Info("No database configured, workflow state is kept in memory only")
		return nil, nil
	}
	client, err := db.NewClient(ctx, c.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return client, nil
}

// Engine assembles an engine from the configuration around the offline
// oracle stack.
func (c *Config) Engine(store db.Store, approver engine.Approver, logger *zap.SugaredLogger) (*engine.Engine, error) {
	registry, err := c.Registry()
	if err != nil {
		return nil, err
	}
	return engine.New(c.Oracle(nil, logger), registry, event.NewBus(logger), c.EngineOptions(store, approver), logger)
}
