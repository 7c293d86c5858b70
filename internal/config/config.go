package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	RealtimePort string
	DatabaseURL  string
	RedisAddr    string
	RedisDB      int

	StaffToken   string
	SlotCapacity int

	ExpiryCutoff     time.Duration
	ExpiryInterval   time.Duration
	ExpiryBatchSize  int
	OutboxPollEvery  time.Duration
	NotifyPollEvery  time.Duration
	NotifyBatchSize  int
	NotifyMaxRetries int

	PushInstanceID string
	PushSecretKey  string
	DeepLinkBase   string

	RateLimitPerMinute int
	RateLimitBurst     int

	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	realtimePort := os.Getenv("REALTIME_PORT")
	if realtimePort == "" {
		realtimePort = "8081"
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	return Config{
		Port:         port,
		RealtimePort: realtimePort,
		DatabaseURL:  os.Getenv("DB_DSN"),
		RedisAddr:    redisAddr,
		RedisDB:      readInt("REDIS_DB", 0),

		StaffToken:   os.Getenv("STAFF_TOKEN"),
		SlotCapacity: readInt("SLOT_CAPACITY", 20),

		ExpiryCutoff:     readDurationSeconds("EXPIRY_CUTOFF_SECONDS", 300),
		ExpiryInterval:   readDurationSeconds("EXPIRY_SCAN_INTERVAL_SECONDS", 300),
		ExpiryBatchSize:  readInt("EXPIRY_BATCH_SIZE", 100),
		OutboxPollEvery:  readDurationSeconds("OUTBOX_POLL_SECONDS", 2),
		NotifyPollEvery:  readDurationSeconds("NOTIFY_POLL_SECONDS", 5),
		NotifyBatchSize:  readInt("NOTIFY_BATCH_SIZE", 50),
		NotifyMaxRetries: readInt("NOTIFY_MAX_RETRIES", 3),

		PushInstanceID: os.Getenv("PUSH_INSTANCE_ID"),
		PushSecretKey:  os.Getenv("PUSH_SECRET_KEY"),
		DeepLinkBase:   os.Getenv("DEEP_LINK_BASE"),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
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
