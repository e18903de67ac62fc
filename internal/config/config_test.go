// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  driver: "sqlite"
  dsn: "./test.db"

presence:
  liveness_window: "90s"
  sweep_interval: "45s"
  release_on_expiry: true

routing:
  reconcile_interval: "2m"
  reconcile_repair: true
  candidate_limit: 3

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "0.0.0.0:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./test.db", cfg.Database.DSN)
	assert.Equal(t, 90*time.Second, cfg.Presence.LivenessWindow)
	assert.Equal(t, 45*time.Second, cfg.Presence.SweepInterval)
	assert.True(t, cfg.Presence.ReleaseOnExpiry)
	assert.Equal(t, 2*time.Minute, cfg.Routing.ReconcileInterval)
	assert.True(t, cfg.Routing.ReconcileRepair)
	assert.Equal(t, 3, cfg.Routing.CandidateLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9090"

[database]
driver = "pgx"
dsn = "postgres://handoff@localhost/handoff"

[presence]
liveness_window = "60s"
sweep_interval = "30s"

[lock]
backend = "redis"
redis_url = "redis://localhost:6379/0"
ttl = "5s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, 60*time.Second, cfg.Presence.LivenessWindow)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, 5*time.Second, cfg.Lock.TTL)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":8080"
database:
  dsn: "./handoff.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultLivenessWindow, cfg.Presence.LivenessWindow)
	assert.Equal(t, DefaultSweepInterval, cfg.Presence.SweepInterval)
	assert.Equal(t, DefaultReconcileInterval, cfg.Routing.ReconcileInterval)
	assert.Equal(t, DefaultCandidateLimit, cfg.Routing.CandidateLimit)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, DefaultDispatchTimeout, cfg.Notify.DispatchTimeout)
	assert.Equal(t, "handoff.events", cfg.Notify.AMQP.Exchange)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("HANDOFF_TEST_DSN", "/var/lib/handoff/test.db")
	t.Setenv("HANDOFF_TEST_SECRET", "s3cret-value-that-is-long-enough")

	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":8080"
database:
  dsn: "${HANDOFF_TEST_DSN}"
auth:
  jwt_secret: "${HANDOFF_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/handoff/test.db", cfg.Database.DSN)
	assert.Equal(t, "s3cret-value-that-is-long-enough", cfg.Auth.JWTSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":8080"
database:
  dsn: "./x.db"
presence:
  liveness_window: "ninety seconds"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "liveness_window")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing http addr",
			yaml:    "database:\n  dsn: x.db\n",
			wantErr: "server.http_addr",
		},
		{
			name:    "tailscale without hostname",
			yaml:    "tailscale:\n  enabled: true\ndatabase:\n  dsn: x.db\n",
			wantErr: "tailscale.hostname",
		},
		{
			name:    "unknown driver",
			yaml:    "server:\n  http_addr: \":1\"\ndatabase:\n  driver: mysql\n  dsn: x\n",
			wantErr: "database.driver",
		},
		{
			name:    "missing dsn",
			yaml:    "server:\n  http_addr: \":1\"\n",
			wantErr: "database.dsn",
		},
		{
			name:    "sweep longer than window",
			yaml:    "server:\n  http_addr: \":1\"\ndatabase:\n  dsn: x\npresence:\n  liveness_window: 30s\n  sweep_interval: 60s\n",
			wantErr: "sweep_interval",
		},
		{
			name:    "redis lock without url",
			yaml:    "server:\n  http_addr: \":1\"\ndatabase:\n  dsn: x\nlock:\n  backend: redis\n",
			wantErr: "lock.redis_url",
		},
		{
			name:    "amqp without url",
			yaml:    "server:\n  http_addr: \":1\"\ndatabase:\n  dsn: x\nnotify:\n  amqp:\n    enabled: true\n",
			wantErr: "notify.amqp.url",
		},
		{
			name:    "negative reconcile interval",
			yaml:    "server:\n  http_addr: \":1\"\ndatabase:\n  dsn: x\nrouting:\n  reconcile_interval: -5m\n",
			wantErr: "routing.reconcile_interval",
		},
		{
			name:    "negative lock ttl",
			yaml:    "server:\n  http_addr: \":1\"\ndatabase:\n  dsn: x\nlock:\n  ttl: -1s\n",
			wantErr: "lock.ttl",
		},
		{
			name:    "negative dedupe ttl",
			yaml:    "server:\n  http_addr: \":1\"\ndatabase:\n  dsn: x\ndedupe:\n  ttl: -10m\n",
			wantErr: "dedupe.ttl",
		},
		{
			name:    "negative dispatch timeout",
			yaml:    "server:\n  http_addr: \":1\"\ndatabase:\n  dsn: x\nnotify:\n  dispatch_timeout: -2s\n",
			wantErr: "notify.dispatch_timeout",
		},
		{
			name:    "confidence out of range",
			yaml:    "server:\n  http_addr: \":1\"\ndatabase:\n  dsn: x\ndetect:\n  min_confidence: 1.5\n",
			wantErr: "min_confidence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.yaml, false)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}
