// Package config loads transformd configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/roach88/transformflow/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRANSFORMFLOW_"

const maxConfigFileSize = 1024 * 1024 // 1MB

// Artifact backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the complete transformd configuration.
type Config struct {
	Store       StoreConfig       `koanf:"store"`
	Server      ServerConfig      `koanf:"server"`
	Engine      EngineConfig      `koanf:"engine"`
	Review      ReviewConfig      `koanf:"review"`
	Logging     logging.Config    `koanf:"logging"`
	Completion  CompletionConfig  `koanf:"completion"`
	Jobs        JobsConfig        `koanf:"jobs"`
	NATS        NATSConfig        `koanf:"nats"`
	Artifacts   ArtifactsConfig   `koanf:"artifacts"`
	Fingerprint FingerprintConfig `koanf:"fingerprint"`
}

// StoreConfig locates the instance store.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// EngineConfig configures the orchestration engine.
type EngineConfig struct {
	MaxAttempts int `koanf:"max_attempts"`
}

// ReviewConfig bounds the review loops. Zero means unbounded.
type ReviewConfig struct {
	MaxPlanRevisions    int `koanf:"max_plan_revisions"`
	MaxOutputRejections int `koanf:"max_output_rejections"`
}

// CompletionConfig configures the OpenAI-compatible completion service.
type CompletionConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	Token   string `koanf:"token"`
}

// JobsConfig configures the batch job service.
type JobsConfig struct {
	BaseURL      string        `koanf:"base_url"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Timeout      time.Duration `koanf:"timeout"`
}

// NATSConfig configures the audit log sink. An empty URL logs audit
// messages instead of publishing them.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ArtifactsConfig selects where approved artifacts live.
type ArtifactsConfig struct {
	Backend     string `koanf:"backend"`
	PostgresDSN string `koanf:"postgres_dsn"`
}

// FingerprintConfig locates mapping and data refs on disk.
type FingerprintConfig struct {
	Root string `koanf:"root"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store:   StoreConfig{Path: "transformflow.db"},
		Server:  ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Engine:  EngineConfig{MaxAttempts: 5},
		Logging: logging.DefaultConfig(),
		Jobs: JobsConfig{
			PollInterval: 2 * time.Second,
			Timeout:      30 * time.Minute,
		},
		NATS:        NATSConfig{SubjectPrefix: "transformflow"},
		Artifacts:   ArtifactsConfig{Backend: BackendSQLite},
		Fingerprint: FingerprintConfig{Root: "."},
	}
}

// Load reads configuration from path, if not empty, then applies
// environment overrides and validates the result.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (TRANSFORMFLOW_STORE_PATH, ...)
//  2. YAML config file
//  3. Defaults
//
// Environment variables map to keys by dropping the prefix and splitting
// on the first underscore:
//
//	TRANSFORMFLOW_ENGINE_MAX_ATTEMPTS -> engine.max_attempts
//	TRANSFORMFLOW_NATS_SUBJECT_PREFIX -> nats.subject_prefix
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return load(content)
}

func load(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps TRANSFORMFLOW_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("engine.max_attempts must be >= 1, got %d", c.Engine.MaxAttempts))
	}
	if c.Review.MaxPlanRevisions < 0 {
		errs = append(errs, errors.New("review.max_plan_revisions must be >= 0"))
	}
	if c.Review.MaxOutputRejections < 0 {
		errs = append(errs, errors.New("review.max_output_rejections must be >= 0"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, errors.New("jobs.poll_interval must be > 0"))
	}
	switch c.Artifacts.Backend {
	case BackendSQLite:
	case BackendPostgres:
		if c.Artifacts.PostgresDSN == "" {
			errs = append(errs, errors.New("artifacts.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.backend must be %q or %q, got %q",
			BackendSQLite, BackendPostgres, c.Artifacts.Backend))
	}
	return errors.Join(errs...)
}
