package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.PolicyCache.TTL)
	assert.Equal(t, 5, cfg.Audit.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Audit.InitialBackoff)

	day, err := cfg.Detector.WeekStartDay()
	require.NoError(t, err)
	assert.Equal(t, time.Monday, day)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: a file setting the port and grace, and an env var overriding the port
	// WHEN: Load
	// THEN: env beats file, file beats defaults

	path := writeFile(t, `
server:
  port: 9000
db:
  path: /tmp/sched.db
detector:
  overlap_grace: 15m
  week_start: Sunday
redis:
  enabled: true
  addr: cache:6379
`)
	t.Setenv("SCHED_SERVER_PORT", "9100")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/tmp/sched.db", cfg.Database.Path)
	assert.Equal(t, 15*time.Minute, cfg.Detector.OverlapGrace)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)

	day, err := cfg.Detector.WeekStartDay()
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, day)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := config.Config{
		Server:   config.ServerConfig{Port: 70000},
		Audit:    config.AuditConfig{QueueSize: 0, MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Millisecond},
		Detector: config.DetectorConfig{WeekStart: "someday"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server.port", "db.path", "audit.queue_size", "backoff", "someday", "policy_cache.ttl"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := config.Load(writeFile(t, "server: [unclosed\n"))
	assert.Error(t, err)
}
