package server

import (
	"os"
	"strconv"
	"time"
)

// Config holds process configuration from environment variables. The same
// surface serves the API server, the worker and the janitor; each binary
// reads the knobs it needs.
type Config struct {
	Port        string
	RedisAddr   string
	DatabaseURL string
	NatsURL     string

	LeaseTTL      time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	SweepInterval time.Duration
	PollInterval  time.Duration
	WorkerID      string

	ArtifactEndpoint  string
	ArtifactAccessKey string
	ArtifactSecretKey string
	ArtifactUseSSL    bool
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Port:        getEnv("METROPOLIS_PORT", "8080"),
		RedisAddr:   getEnv("METROPOLIS_REDIS_ADDR", "localhost:6379"),
		DatabaseURL: getEnv("METROPOLIS_DATABASE_URL", ""),
		NatsURL:     getEnv("METROPOLIS_NATS_URL", ""),

		LeaseTTL:      getEnvDuration("METROPOLIS_LEASE_TTL", 30*time.Second),
		MaxAttempts:   getEnvInt("METROPOLIS_MAX_ATTEMPTS", 3),
		BackoffBase:   getEnvDuration("METROPOLIS_BACKOFF_BASE", time.Second),
		BackoffCap:    getEnvDuration("METROPOLIS_BACKOFF_CAP", 5*time.Minute),
		SweepInterval: getEnvDuration("METROPOLIS_SWEEP_INTERVAL", 5*time.Second),
		PollInterval:  getEnvDuration("METROPOLIS_POLL_INTERVAL", 500*time.Millisecond),
		WorkerID:      getEnv("METROPOLIS_WORKER_ID", ""),

		ArtifactEndpoint:  getEnv("METROPOLIS_ARTIFACT_ENDPOINT", ""),
		ArtifactAccessKey: getEnv("METROPOLIS_ARTIFACT_ACCESS_KEY", ""),
		ArtifactSecretKey: getEnv("METROPOLIS_ARTIFACT_SECRET_KEY", ""),
		ArtifactUseSSL:    getEnvBool("METROPOLIS_ARTIFACT_USE_SSL", false),
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
