package server

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreRedis  = "redis"
	StoreNATS   = "nats"
	StoreMemory = "memory"
)

// Config holds server configuration from environment variables.
type Config struct {
	Port     string
	GRPCPort string

	Store             string
	RedisURL          string
	RedisBlockingPool int
	NatsURL           string
	KeyPrefix         string
	NatsPrefix        string

	PollInterval time.Duration
	TickLockTTL  time.Duration
	TasksFile    string

	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration

	LogLevel slog.Level
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Port:     getEnv("SCHEDMQ_PORT", "8080"),
		GRPCPort: getEnv("SCHEDMQ_GRPC_PORT", "9090"),

		Store:             strings.ToLower(getEnv("SCHEDMQ_STORE", StoreRedis)),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisBlockingPool: getEnvInt("SCHEDMQ_REDIS_BLOCKING_POOL", 10),
		NatsURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		KeyPrefix:         getEnv("SCHEDMQ_KEY_PREFIX", "_schedule_mq:"),
		NatsPrefix:        getEnv("SCHEDMQ_NATS_PREFIX", "schedmq"),

		PollInterval: getEnvDuration("SCHEDMQ_POLL_INTERVAL", time.Second),
		TickLockTTL:  getEnvDuration("SCHEDMQ_TICK_LOCK_TTL", 60*time.Second),
		TasksFile:    getEnv("SCHEDMQ_TASKS_FILE", ""),

		ShutdownTimeout: getEnvDuration("SCHEDMQ_SHUTDOWN_TIMEOUT", 10*time.Second),
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,

		LogLevel: parseLogLevel(getEnv("SCHEDMQ_LOG_LEVEL", "info")),
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
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
