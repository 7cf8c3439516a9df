package config

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ConfigurationError aggregates every missing or malformed setting found
// during Load, so operators see the full list at once instead of one failure
// per restart.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "config: " + strings.Join(e.Problems, "; ")
}

// Config contains runtime configuration values.
type Config struct {
	Environment       string
	HTTPPort          string
	DatabaseURL       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ServiceName       string
	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool

	SlackClientID      string
	SlackClientSecret  string
	SlackSigningSecret string
	SlackRedirectURI   string

	// EncryptionKey is the decoded 32-byte master key for token encryption.
	EncryptionKey []byte

	StateTTL         time.Duration
	TokenCleanupDays int
}

// Dev reports whether the service runs in development mode.
func (c Config) Dev() bool {
	return c.Environment == "development"
}

// Load reads configuration from environment variables. Required Slack and
// encryption settings are validated eagerly with a single aggregated error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:        getEnv("APP_ENV", "development"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getInt("REDIS_DB", 0),
		ServiceName:        getEnv("SERVICE_NAME", "pulseboard-slack-auth"),
		RateLimitRPM:       getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:  getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		SlackClientID:      strings.TrimSpace(os.Getenv("SLACK_CLIENT_ID")),
		SlackClientSecret:  strings.TrimSpace(os.Getenv("SLACK_CLIENT_SECRET")),
		SlackSigningSecret: strings.TrimSpace(os.Getenv("SLACK_SIGNING_SECRET")),
		StateTTL:           getDuration("OAUTH_STATE_TTL", 10*time.Minute),
		TokenCleanupDays:   getInt("TOKEN_CLEANUP_DAYS", 30),
	}

	// Redirect URI is environment-specific and must exactly match the value
	// registered with Slack.
	if cfg.Environment == "production" {
		cfg.SlackRedirectURI = strings.TrimSpace(os.Getenv("SLACK_REDIRECT_URI_PROD"))
	} else {
		cfg.SlackRedirectURI = strings.TrimSpace(os.Getenv("SLACK_REDIRECT_URI_DEV"))
	}

	var problems []string
	if cfg.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if cfg.SlackClientID == "" {
		problems = append(problems, "SLACK_CLIENT_ID is required")
	}
	if cfg.SlackClientSecret == "" {
		problems = append(problems, "SLACK_CLIENT_SECRET is required")
	}
	if cfg.SlackSigningSecret == "" {
		problems = append(problems, "SLACK_SIGNING_SECRET is required")
	}
	if cfg.SlackRedirectURI == "" {
		problems = append(problems, "SLACK_REDIRECT_URI_DEV or SLACK_REDIRECT_URI_PROD is required")
	}

	keyHex := strings.TrimSpace(os.Getenv("ENCRYPTION_KEY"))
	switch {
	case keyHex == "":
		problems = append(problems, "ENCRYPTION_KEY is required")
	case len(keyHex) != 64:
		problems = append(problems, "ENCRYPTION_KEY must be 64 hexadecimal characters (32 bytes)")
	default:
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			problems = append(problems, "ENCRYPTION_KEY must be valid hexadecimal")
		} else {
			cfg.EncryptionKey = key
		}
	}

	if len(problems) > 0 {
		return Config{}, &ConfigurationError{Problems: problems}
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
