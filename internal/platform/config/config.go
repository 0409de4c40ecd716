package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures process-level configuration so main stays lean.
type Config struct {
	Addr        string
	DatabaseURL string // empty means in-memory stores (dev/test)
	RedisURL    string // empty means no fingerprint cache
	APIKey      string // empty disables read-API authentication (dev only)

	OpenAIAPIKey string
	OpenAIModel  string

	// Ingestion retry budget for optimistic-concurrency conflicts.
	IngestMaxAttempts int

	// Assessment retry policy against the generation service.
	AssessMaxAttempts int
	AssessBackoffBase time.Duration

	// Buffer size of the in-process assessment job queue.
	AssessQueueSize int

	// How often the sweeper re-enqueues change events with no assessment.
	AssessSweepInterval time.Duration
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	cfg := Config{
		Addr:                envOr("REGRADAR_ADDR", ":8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		APIKey:              os.Getenv("API_KEY"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         envOr("OPENAI_MODEL", "gpt-4o-mini"),
		IngestMaxAttempts:   envInt("INGEST_MAX_ATTEMPTS", 3),
		AssessMaxAttempts:   envInt("ASSESS_MAX_ATTEMPTS", 4),
		AssessBackoffBase:   envDuration("ASSESS_BACKOFF_BASE", 500*time.Millisecond),
		AssessQueueSize:     envInt("ASSESS_QUEUE_SIZE", 256),
		AssessSweepInterval: envDuration("ASSESS_SWEEP_INTERVAL", 5*time.Minute),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
