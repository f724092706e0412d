package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort        int
	SMTPPort        int
	SMTPEnabled     bool
	SMTPAuthEnabled bool
	SMTPDomain      string

	DBDriver     string
	DBPath       string
	StoreTimeout time.Duration

	LogDir      string
	LogTimezone string
	LogMaxMB    int
	LogLevel    slog.Level

	RetentionWindow time.Duration
	SweepInterval   time.Duration

	MaxBodyBytes  int64
	AllowedOrigin string
	AuthSecret    string
	SessionMaxAge time.Duration
	BcryptCost    int
}

func Load() Config {
	return Config{
		HTTPPort:        getEnvInt("HTTP_PORT", getEnvInt("PORT", 3000)),
		SMTPPort:        getEnvInt("SMTP_PORT", 2025),
		SMTPEnabled:     getEnvBool("SMTP_ENABLED", true),
		SMTPAuthEnabled: getEnvBool("SMTP_AUTH_ENABLED", true),
		SMTPDomain:      getEnvString("SMTP_DOMAIN", "localhost"),

		DBDriver:     strings.ToLower(getEnvString("DB_DRIVER", "sqlite")),
		DBPath:       getEnvString("DB_PATH", ""),
		StoreTimeout: getEnvDuration("STORE_TIMEOUT", 5*time.Second),

		LogDir:      getEnvString("LOG_DIR", "USERS-LOGS"),
		LogTimezone: getEnvString("LOG_TIMEZONE", "Europe/Warsaw"),
		LogMaxMB:    getEnvInt("LOG_MAX_MB", 1),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),

		RetentionWindow: getEnvDuration("RETENTION_WINDOW", 30*24*time.Hour),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 24*time.Hour),

		MaxBodyBytes:  getEnvInt64("MAX_BODY_BYTES", 20<<20),
		AllowedOrigin: getEnvString("ALLOWED_ORIGIN", "https://shymc.rf.gd"),
		AuthSecret:    getEnvString("AUTH_SECRET", ""),
		SessionMaxAge: getEnvDuration("SESSION_MAX_AGE", 30*24*time.Hour),
		BcryptCost:    getEnvInt("BCRYPT_COST", 10),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90m", "720h") and plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if parsed, err := time.ParseDuration(trimmed); err == nil {
			return parsed
		}
		if secs, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	if value, ok := os.LookupEnv(key); ok {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err == nil {
			return level
		}
	}
	return fallback
}
