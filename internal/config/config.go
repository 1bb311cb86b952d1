// Package config reads the service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"message-aggregator/internal/integrations/webhook"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
	BackendSSM      = "ssm"
	BackendFile     = "file"
)

type Config struct {
	StateTable       string `env:"STATE_TABLE"`
	ParamPrefix      string `env:"PARAM_PREFIX"`
	StoreBackend     string `env:"STORE_BACKEND"        envDefault:"dynamodb"`
	DirectoryBackend string `env:"DIRECTORY_BACKEND"    envDefault:"ssm"`
	WebhooksPath     string `env:"WEBHOOKS_CONFIG_PATH" envDefault:"webhooks.json"`

	// AggregationMillis is the aggregation window in milliseconds.
	AggregationMillis int `env:"MESSAGE_AGGREGATION_TIME" envDefault:"20000"`
	MediaTTLSeconds   int `env:"MEDIA_TTL_SECONDS"        envDefault:"3600"`
	MediaMaxBytes     int `env:"MEDIA_MAX_BYTES"          envDefault:"286720"`

	DispatchTimeout     time.Duration `env:"DISPATCH_TIMEOUT"      envDefault:"10s"`
	DispatchMaxAttempts uint          `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"3"`
	// SigningSecretParam names the SSM parameter holding the webhook
	// signing secret. Empty disables signing.
	SigningSecretParam string `env:"SIGNING_SECRET_PARAM"`

	LockTTL  time.Duration `env:"LOCK_TTL"  envDefault:"60s"`
	LockWait time.Duration `env:"LOCK_WAIT" envDefault:"45s"`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL"    envDefault:"30s"`
	SweepGrace       time.Duration `env:"SWEEP_GRACE"       envDefault:"10s"`
	SweepConcurrency int           `env:"SWEEP_CONCURRENCY" envDefault:"4"`
	SweepRate        float64       `env:"SWEEP_RATE"        envDefault:"20"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":3000"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.DirectoryBackend = strings.ToLower(strings.TrimSpace(cfg.DirectoryBackend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendDynamoDB:
		if c.StateTable == "" {
			errs = append(errs, errors.New("STATE_TABLE is required for the dynamodb store"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.DirectoryBackend {
	case BackendSSM:
		if c.ParamPrefix == "" {
			errs = append(errs, errors.New("PARAM_PREFIX is required for the ssm directory"))
		}
	case BackendFile:
		if c.WebhooksPath == "" {
			errs = append(errs, errors.New("WEBHOOKS_CONFIG_PATH is required for the file directory"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DIRECTORY_BACKEND %q", c.DirectoryBackend))
	}
	if c.AggregationMillis <= 0 {
		errs = append(errs, errors.New("MESSAGE_AGGREGATION_TIME must be positive"))
	}
	if c.MediaTTLSeconds <= 0 {
		errs = append(errs, errors.New("MEDIA_TTL_SECONDS must be positive"))
	}
	if c.DispatchMaxAttempts == 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_ATTEMPTS must be at least 1"))
	}
	if c.DispatchMaxAttempts > 0 && c.LockTTL <= c.DispatchBudget() {
		errs = append(errs, fmt.Errorf("LOCK_TTL %s must exceed the worst-case dispatch time %s", c.LockTTL, c.DispatchBudget()))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DispatchBudget is the longest one delivery can hold the conversation lock:
// every attempt timing out plus the backoff sleep between attempts.
func (c Config) DispatchBudget() time.Duration {
	if c.DispatchMaxAttempts == 0 {
		return 0
	}
	n := time.Duration(c.DispatchMaxAttempts)
	return c.DispatchTimeout*n + webhook.MaxRetryDelay*(n-1)
}

func (c Config) AggregationWindow() time.Duration {
	return time.Duration(c.AggregationMillis) * time.Millisecond
}

func (c Config) MediaTTL() time.Duration {
	return time.Duration(c.MediaTTLSeconds) * time.Second
}
