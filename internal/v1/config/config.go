// Package config validates and exposes the room server's environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the room server.
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// JWT / CORS
	JWTExpiration time.Duration
	CORSOrigins   string

	// JWKS-backed connection auth
	AuthDomain   string
	AuthAudience string
	SkipAuth     bool

	// Redis (Shared-State Store + Broadcast Fabric)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// SQLite persisted layout
	SQLiteDSN string

	// Tuning knobs for the domain engines
	AuthRateLimitPerMin    int
	PlaybackLeadMinMs      int
	PlaybackLeadMaxMs      int
	VoteTimeoutMs          int
	MutinyCooldownMs       int
	DJGraceMs              int
	MetadataCacheTTLMs     int
	MetadataRequestTimeout int
	MaxMembersDefault      int
	MutinyThresholdDefault float64

	// Ambient
	GoEnv             string
	LogLevel          string
	DevelopmentMode   bool
	OtelCollectorAddr string
	RateLimitWsIP     string
	RateLimitWsUser   string
	RateLimitAPIRooms string
	RateLimitAPIVotes string
}

// ValidateEnv validates all required environment variables and returns a Config.
// It accumulates every validation failure before returning, so an operator sees
// the whole list of problems in one pass instead of fixing them one at a time.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") != "false"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.SQLiteDSN = getEnvOrDefault("SQLITE_DSN", "file:roomserver.db?cache=shared&_pragma=foreign_keys(1)")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.CORSOrigins = getEnvOrDefault("CORS_ORIGINS", "http://localhost:3000")
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	jwtExpSeconds, err := strconv.Atoi(getEnvOrDefault("JWT_EXPIRATION_SECONDS", "3600"))
	if err != nil || jwtExpSeconds <= 0 {
		errs = append(errs, "JWT_EXPIRATION_SECONDS must be a positive integer")
	} else {
		cfg.JWTExpiration = time.Duration(jwtExpSeconds) * time.Second
	}

	cfg.AuthRateLimitPerMin = mustAtoiDefault(&errs, "AUTH_RATE_LIMIT_PER_MIN", 100)
	cfg.PlaybackLeadMinMs = mustAtoiDefault(&errs, "PLAYBACK_LEAD_MIN_MS", 500)
	cfg.PlaybackLeadMaxMs = mustAtoiDefault(&errs, "PLAYBACK_LEAD_MAX_MS", 2000)
	cfg.VoteTimeoutMs = mustAtoiDefault(&errs, "VOTE_TIMEOUT_MS", 60_000)
	cfg.MutinyCooldownMs = mustAtoiDefault(&errs, "MUTINY_COOLDOWN_MS", 60_000)
	cfg.DJGraceMs = mustAtoiDefault(&errs, "DJ_GRACE_MS", 30_000)
	cfg.MetadataCacheTTLMs = mustAtoiDefault(&errs, "METADATA_CACHE_TTL_MS", int(time.Hour.Milliseconds()))
	cfg.MetadataRequestTimeout = mustAtoiDefault(&errs, "METADATA_REQUEST_TIMEOUT_MS", 10_000)
	cfg.MaxMembersDefault = mustAtoiDefault(&errs, "MAX_MEMBERS_DEFAULT", 100)

	threshStr := getEnvOrDefault("MUTINY_THRESHOLD_DEFAULT", "0.51")
	thresh, err := strconv.ParseFloat(threshStr, 64)
	if err != nil || thresh < 0.5 || thresh > 1.0 {
		errs = append(errs, fmt.Sprintf("MUTINY_THRESHOLD_DEFAULT must be in [0.5,1.0] (got '%s')", threshStr))
	} else {
		cfg.MutinyThresholdDefault = thresh
	}

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIVotes = getEnvOrDefault("RATE_LIMIT_API_VOTES", "30-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func mustAtoiDefault(errs *[]string, key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return def
	}
	return v
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"sqlite_dsn", cfg.SQLiteDSN,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"playback_lead_min_ms", cfg.PlaybackLeadMinMs,
		"playback_lead_max_ms", cfg.PlaybackLeadMaxMs,
		"mutiny_threshold_default", cfg.MutinyThresholdDefault,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
