package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.Equal(t, BackendSQLite, cfg.Artifacts.Backend)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /var/lib/transformflow/state.db
server:
  addr: 127.0.0.1:9090
engine:
  max_attempts: 3
review:
  max_plan_revisions: 4
logging:
  level: debug
  format: console
jobs:
  base_url: http://jobs.internal
  poll_interval: 500ms
nats:
  url: nats://127.0.0.1:4222
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/transformflow/state.db", cfg.Store.Path)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, 4, cfg.Review.MaxPlanRevisions)
	assert.Zero(t, cfg.Review.MaxOutputRejections)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 500*time.Millisecond, cfg.Jobs.PollInterval)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Minute, cfg.Jobs.Timeout)
	assert.Equal(t, "transformflow", cfg.NATS.SubjectPrefix)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "engine:\n  max_attempts: 3\n")
	t.Setenv("TRANSFORMFLOW_ENGINE_MAX_ATTEMPTS", "7")
	t.Setenv("TRANSFORMFLOW_NATS_SUBJECT_PREFIX", "audit")
	t.Setenv("TRANSFORMFLOW_REVIEW_MAX_OUTPUT_REJECTIONS", "2")
	t.Setenv("TRANSFORMFLOW_COMPLETION_BASE_URL", "http://localhost:11434/v1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.MaxAttempts)
	assert.Equal(t, "audit", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 2, cfg.Review.MaxOutputRejections)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Completion.BaseURL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "store: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"empty addr", func(c *Config) { c.Server.Addr = " " }},
		{"zero attempts", func(c *Config) { c.Engine.MaxAttempts = 0 }},
		{"negative revisions", func(c *Config) { c.Review.MaxPlanRevisions = -1 }},
		{"negative rejections", func(c *Config) { c.Review.MaxOutputRejections = -1 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero poll interval", func(c *Config) { c.Jobs.PollInterval = 0 }},
		{"unknown backend", func(c *Config) { c.Artifacts.Backend = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Artifacts.Backend = BackendPostgres }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Artifacts = ArtifactsConfig{Backend: BackendPostgres, PostgresDSN: "postgres://localhost/tf"}
	assert.NoError(t, cfg.Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "store.path", envKey("TRANSFORMFLOW_STORE_PATH"))
	assert.Equal(t, "engine.max_attempts", envKey("TRANSFORMFLOW_ENGINE_MAX_ATTEMPTS"))
	assert.Equal(t, "debug", envKey("TRANSFORMFLOW_DEBUG"))
}
