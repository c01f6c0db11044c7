package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Runtime holds process settings loaded from environment variables.
type Runtime struct {
	HTTPAddr        string
	GRPCAddr        string
	PostgresDSN     string
	RedisAddr       string
	NATSURL         string
	JWTSecret       string
	RateReadRPS     float64
	RateReadBurst   float64
	RateWriteRPS    float64
	RateWriteBurst  float64
	RosterRefresh   time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	DeviceLat       float64
	DeviceLon       float64
	SessionIdleTTL  time.Duration
	SessionsPerUser int
	OutboxRetention time.Duration
}

// LoadRuntime reads Runtime from the environment with defaults.
func LoadRuntime() Runtime {
	return Runtime{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:        getenv("GRPC_ADDR", ":9090"),
		PostgresDSN:     firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		NATSURL:         os.Getenv("NATS_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		RateReadRPS:     parseFloatEnv("RATE_READ_RPS", 50),
		RateReadBurst:   parseFloatEnv("RATE_READ_BURST", 100),
		RateWriteRPS:    parseFloatEnv("RATE_WRITE_RPS", 5),
		RateWriteBurst:  parseFloatEnv("RATE_WRITE_BURST", 10),
		RosterRefresh:   time.Duration(parseIntEnv("ROSTER_REFRESH_SEC", 30)) * time.Second,
		RetryBackoff:    time.Duration(parseIntEnv("CHANNEL_RETRY_MS", 200)) * time.Millisecond,
		MaxRetryBackoff: time.Duration(parseIntEnv("CHANNEL_MAX_RETRY_MS", 5000)) * time.Millisecond,
		DeviceLat:       parseFloatEnv("DEVICE_LAT", 46.5191),
		DeviceLon:       parseFloatEnv("DEVICE_LON", 6.5668),
		SessionIdleTTL:  time.Duration(parseIntEnv("SESSION_IDLE_TTL_SEC", 600)) * time.Second,
		SessionsPerUser: parseIntEnv("SESSIONS_PER_USER", 4),
		OutboxRetention: time.Duration(parseIntEnv("OUTBOX_RETENTION_HOURS", 24)) * time.Hour,
	}
}

// ErrMissingJWTSecret is returned by Validate when JWT_SECRET is unset.
var ErrMissingJWTSecret = errors.New("JWT_SECRET is required")

// Validate reports settings the service cannot start without.
func (r Runtime) Validate() error {
	if r.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
