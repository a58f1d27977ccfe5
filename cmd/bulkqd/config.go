package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// config is read from the environment, optionally seeded from a .env file.
type config struct {
	DatabaseURL   string
	NATSURL       string
	HTTPAddr      string
	BatchSize     int
	YieldDelay    time.Duration
	RetryInterval time.Duration
	MaxRetries    int
	LogLevel      slog.Level
}

func loadConfig() config {
	// A missing .env is fine; the environment still applies.
	_ = godotenv.Load()

	return config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		NATSURL:       getenv("NATS_URL", "nats://127.0.0.1:4222"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		BatchSize:     getenvInt("BULKQ_BATCH_SIZE", 10),
		YieldDelay:    time.Duration(getenvInt("BULKQ_YIELD_MS", 100)) * time.Millisecond,
		RetryInterval: getenvDuration("BULKQ_RETRY_INTERVAL", 0),
		MaxRetries:    getenvInt("BULKQ_MAX_RETRIES", 3),
		LogLevel:      parseLevel(os.Getenv("LOG_LEVEL")),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getenvInt reads positive ints from env with default.
func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
