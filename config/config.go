// Package config loads relay runtime settings from YAML files, for
// services that tune the relay through deploy-time configuration rather
// than code. Every field is optional except the log service address; zero
// values keep the runtime defaults.
//
// A complete file:
//
//	service: billing
//	log_service:
//	  addr: "redis-master:6379"
//	  dial_timeout: 2s
//	  max_retries: 3
//	max_len: 50000
//	read_count: 20
//	block_time: 2s
//	claim_idle: 30s
//	error_pause: 10s
//	retry:
//	  max_retries: 5
//	  base_delay: 500ms
//	ledger_ttl: 48h
//	drain_grace: 10s
//	tracing: true
//	metrics: true
package config

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/relayq/relay/eventlog"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogService configures the connection to the log service.
type LogService struct {
	Addr            string   `yaml:"addr"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	DB              int      `yaml:"db"`
	DialTimeout     Duration `yaml:"dial_timeout"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	MaxRetries      int      `yaml:"max_retries"`
	MinRetryBackoff Duration `yaml:"min_retry_backoff"`
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"`
	PoolSize        int      `yaml:"pool_size"`
}

// Validate implements validation.Validatable.
func (ls LogService) Validate() error {
	return validation.ValidateStruct(&ls,
		validation.Field(&ls.Addr, validation.Required),
		validation.Field(&ls.DB, validation.Min(0)),
		validation.Field(&ls.PoolSize, validation.Min(0)),
	)
}

// Retry configures the handler retry ladder.
type Retry struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
}

// Validate implements validation.Validatable.
func (r Retry) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRetries, validation.Min(0)),
	)
}

// Config is the full runtime configuration. relay.FromConfig maps it onto
// runtime options; EventlogConfig maps the connection section onto
// eventlog.Connect.
type Config struct {
	Service    string     `yaml:"service"`
	LogService LogService `yaml:"log_service"`

	MaxLen     int64    `yaml:"max_len"`
	DLQMaxLen  int64    `yaml:"dlq_max_len"`
	ReadCount  int64    `yaml:"read_count"`
	BlockTime  Duration `yaml:"block_time"`
	ClaimIdle  Duration `yaml:"claim_idle"`
	ClaimCount int64    `yaml:"claim_count"`
	ErrorPause Duration `yaml:"error_pause"`
	Retry      Retry    `yaml:"retry"`
	LedgerTTL  Duration `yaml:"ledger_ttl"`
	DrainGrace Duration `yaml:"drain_grace"`

	Tracing *bool `yaml:"tracing"`
	Metrics *bool `yaml:"metrics"`
}

// Validate checks the configuration for usability. Nested sections
// validate themselves.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.LogService, validation.Required),
		validation.Field(&c.MaxLen, validation.Min(int64(0))),
		validation.Field(&c.DLQMaxLen, validation.Min(int64(0))),
		validation.Field(&c.ReadCount, validation.Min(int64(0))),
		validation.Field(&c.ClaimCount, validation.Min(int64(0))),
		validation.Field(&c.Retry),
	)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// EventlogConfig maps the connection section onto the log-service
// connector.
func (c *Config) EventlogConfig() eventlog.Config {
	return eventlog.Config{
		Addr:            c.LogService.Addr,
		Username:        c.LogService.Username,
		Password:        c.LogService.Password,
		DB:              c.LogService.DB,
		DialTimeout:     c.LogService.DialTimeout.Std(),
		ReadTimeout:     c.LogService.ReadTimeout.Std(),
		WriteTimeout:    c.LogService.WriteTimeout.Std(),
		MaxRetries:      c.LogService.MaxRetries,
		MinRetryBackoff: c.LogService.MinRetryBackoff.Std(),
		MaxRetryBackoff: c.LogService.MaxRetryBackoff.Std(),
		PoolSize:        c.LogService.PoolSize,
	}
}
