package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_PORT", "PORT", "LOG_MAX_MB", "DB_DRIVER", "LOG_DIR", "RETENTION_WINDOW", "LOG_LEVEL", "MAX_BODY_BYTES"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	assert.Equal(t, 3000, cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "USERS-LOGS", cfg.LogDir)
	assert.Equal(t, 30*24*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, int64(20<<20), cfg.MaxBodyBytes)
	assert.Equal(t, 1, cfg.LogMaxMB)
}

func TestLoadPort(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	t.Setenv("PORT", "8000")
	assert.Equal(t, 8000, Load().HTTPPort)

	t.Setenv("HTTP_PORT", "9000")
	assert.Equal(t, 9000, Load().HTTPPort, "HTTP_PORT wins over PORT")

	t.Setenv("HTTP_PORT", "http")
	assert.Equal(t, 8000, Load().HTTPPort)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", " 8080 ")
	t.Setenv("SMTP_ENABLED", "false")
	t.Setenv("DB_DRIVER", "BStore")
	t.Setenv("RETENTION_WINDOW", "90m")
	t.Setenv("SWEEP_INTERVAL", "60")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_MAX_MB", "5")

	cfg := Load()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.False(t, cfg.SMTPEnabled)
	assert.Equal(t, "bstore", cfg.DBDriver)
	assert.Equal(t, 90*time.Minute, cfg.RetentionWindow)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 5, cfg.LogMaxMB)
}

func TestLoadInvalidFallsBack(t *testing.T) {
	t.Setenv("HTTP_PORT", "http")
	t.Setenv("PORT", "")
	t.Setenv("SMTP_AUTH_ENABLED", "maybe")
	t.Setenv("STORE_TIMEOUT", "soon")
	t.Setenv("LOG_LEVEL", "loud")

	cfg := Load()
	assert.Equal(t, 3000, cfg.HTTPPort)
	assert.True(t, cfg.SMTPAuthEnabled)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}
