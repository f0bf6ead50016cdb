package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(configPathEnv, "")
	cfg := Load()

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 1800, cfg.RateLimit.AccountLimit)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.Circuit.Threshold)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoad_FileKeepsDefaultsForAbsentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
  webhookSources: ["10.0.0.0/8", "192.168.1.7"]
redis:
  addr: redis:6379
circuit:
  threshold: 5
  maxBackoff: 1h
`), 0o600))
	t.Setenv(configPathEnv, path)

	cfg := Load()
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.7"}, cfg.Server.WebhookSources)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Circuit.Threshold)
	assert.Equal(t, time.Hour, cfg.Circuit.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Circuit.BaseBackoff)
	assert.Equal(t, 10, cfg.Server.AnswerRateMax)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv(configPathEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, Default(), Load())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9000\"\n"), 0o600))
	t.Setenv(configPathEnv, path)
	t.Setenv("PORT", "7000")
	t.Setenv("WEBHOOK_SOURCES", " 10.1.0.0/16 , ,10.2.0.1 ")
	t.Setenv("RATE_LIMIT_WINDOW", "30m")
	t.Setenv("CIRCUIT_THRESHOLD", "not-a-number")
	t.Setenv("JWT_SECRET", "old")
	t.Setenv("JWT_SECRET_KEY", "new")

	cfg := Load()
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, []string{"10.1.0.0/16", "10.2.0.1"}, cfg.Server.WebhookSources)
	assert.Equal(t, 30*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.Circuit.Threshold)
	assert.Equal(t, "new", cfg.Auth.JWTSecret)
}
