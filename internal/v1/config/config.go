package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	MasterKeyB64   string
	DatabaseURL    string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	JWTSecret      string
	Port           string

	// Optional variables with defaults
	AttachmentBucket string
	ArchiveBucket    string
	MinioUseSSL      bool
	RedisAddr        string
	RedisPassword    string
	SessionTTL       time.Duration
	SweepInterval    time.Duration
	GoEnv            string
	AllowedOrigins   string
	OtelCollector    string
	DevelopmentMode  bool

	// Rate Limits
	RateLimitAPIGlobal string
	RateLimitAPIPublic string
	RateLimitAPIRooms  string
	RateLimitWsIP      string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: MASTER_KEY (base64, exactly 32 bytes decoded)
	cfg.MasterKeyB64 = os.Getenv("MASTER_KEY")
	if cfg.MasterKeyB64 == "" {
		errs = append(errs, "MASTER_KEY is required")
	} else if key, err := base64.StdEncoding.DecodeString(cfg.MasterKeyB64); err != nil {
		errs = append(errs, "MASTER_KEY must be valid base64")
	} else if len(key) != 32 {
		errs = append(errs, fmt.Sprintf("MASTER_KEY must decode to 32 bytes (got %d)", len(key)))
	}

	// Required: DATABASE_URL
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}

	// Required: MinIO endpoint + credentials
	cfg.MinioEndpoint = os.Getenv("MINIO_ENDPOINT")
	if cfg.MinioEndpoint == "" {
		errs = append(errs, "MINIO_ENDPOINT is required")
	}
	cfg.MinioAccessKey = os.Getenv("MINIO_ACCESS_KEY")
	if cfg.MinioAccessKey == "" {
		errs = append(errs, "MINIO_ACCESS_KEY is required")
	}
	cfg.MinioSecretKey = os.Getenv("MINIO_SECRET_KEY")
	if cfg.MinioSecretKey == "" {
		errs = append(errs, "MINIO_SECRET_KEY is required")
	}

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: bucket names
	cfg.AttachmentBucket = getEnvOrDefault("S3_BUCKET_ATTACH", "attachments")
	cfg.ArchiveBucket = getEnvOrDefault("S3_BUCKET_ARCHIVES", "archives")
	cfg.MinioUseSSL = os.Getenv("MINIO_USE_SSL") == "true"

	// Optional: REDIS_ADDR for device sessions. Empty means the in-memory
	// fallback (single-instance dev mode).
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr != "" && !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Optional: SESSION_TTL (defaults to 30 days)
	cfg.SessionTTL = 30 * 24 * time.Hour
	if raw := os.Getenv("SESSION_TTL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("SESSION_TTL must be a positive duration (got '%s')", raw))
		} else {
			cfg.SessionTTL = d
		}
	}

	// Optional: ARCHIVE_SWEEP_INTERVAL (defaults to 60s)
	cfg.SweepInterval = 60 * time.Second
	if raw := os.Getenv("ARCHIVE_SWEEP_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("ARCHIVE_SWEEP_INTERVAL must be a positive duration (got '%s')", raw))
		} else {
			cfg.SweepInterval = d
		}
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OtelCollector = os.Getenv("OTEL_COLLECTOR_ADDR")

	// Rate Limits (Defaults: M = Minute)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
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

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"master_key", "***",
		"database_url", redactSecret(cfg.DatabaseURL),
		"minio_endpoint", cfg.MinioEndpoint,
		"attachment_bucket", cfg.AttachmentBucket,
		"archive_bucket", cfg.ArchiveBucket,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"session_ttl", cfg.SessionTTL,
		"sweep_interval", cfg.SweepInterval,
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
