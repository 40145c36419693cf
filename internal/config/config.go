package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	RateLimitPerMinute     int
	RateLimitBurst         int
	SedeRateLimitPerMinute int
	SedeRateLimitBurst     int

	FeedPollInterval time.Duration
	FeedBatchSize    int
	OutboxRetention  time.Duration

	StoreMaxRetries int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                   port,
		DatabaseURL:            os.Getenv("DB_DSN"),
		RateLimitPerMinute:     readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:         readInt("RATE_LIMIT_BURST", 30),
		SedeRateLimitPerMinute: readInt("SEDE_RATE_LIMIT_PER_MIN", 600),
		SedeRateLimitBurst:     readInt("SEDE_RATE_LIMIT_BURST", 120),
		FeedPollInterval:       readDurationSeconds("FEED_POLL_INTERVAL_SECONDS", 1),
		FeedBatchSize:          readInt("FEED_BATCH_SIZE", 100),
		OutboxRetention:        readDurationSeconds("OUTBOX_RETENTION_SECONDS", 86400),
		StoreMaxRetries:        readInt("STORE_MAX_RETRIES", 3),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
