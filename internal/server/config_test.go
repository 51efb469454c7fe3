package server

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"SCHEDMQ_PORT", "SCHEDMQ_STORE", "SCHEDMQ_POLL_INTERVAL", "SCHEDMQ_TICK_LOCK_TTL",
		"SCHEDMQ_KEY_PREFIX", "SCHEDMQ_LOG_LEVEL", "SCHEDMQ_REDIS_BLOCKING_POOL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := LoadConfig()
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Store != StoreRedis {
		t.Errorf("Store = %q, want %q", cfg.Store, StoreRedis)
	}
	if cfg.KeyPrefix != "_schedule_mq:" {
		t.Errorf("KeyPrefix = %q, want _schedule_mq:", cfg.KeyPrefix)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.PollInterval)
	}
	if cfg.TickLockTTL != 60*time.Second {
		t.Errorf("TickLockTTL = %v, want 60s", cfg.TickLockTTL)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.RedisBlockingPool != 10 {
		t.Errorf("RedisBlockingPool = %d, want 10", cfg.RedisBlockingPool)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SCHEDMQ_PORT", "9999")
	t.Setenv("SCHEDMQ_STORE", "NATS")
	t.Setenv("SCHEDMQ_POLL_INTERVAL", "250ms")
	t.Setenv("SCHEDMQ_TICK_LOCK_TTL", "5s")
	t.Setenv("SCHEDMQ_REDIS_BLOCKING_POOL", "3")
	t.Setenv("SCHEDMQ_LOG_LEVEL", "debug")

	cfg := LoadConfig()
	if cfg.Port != "9999" {
		t.Errorf("Port = %q, want 9999", cfg.Port)
	}
	if cfg.Store != StoreNATS {
		t.Errorf("Store = %q, want %q", cfg.Store, StoreNATS)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.TickLockTTL != 5*time.Second {
		t.Errorf("TickLockTTL = %v, want 5s", cfg.TickLockTTL)
	}
	if cfg.RedisBlockingPool != 3 {
		t.Errorf("RedisBlockingPool = %d, want 3", cfg.RedisBlockingPool)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestGetEnvDurationRejectsInvalid(t *testing.T) {
	tests := []string{"soon", "-1s", "0s"}
	for _, v := range tests {
		t.Setenv("SCHEDMQ_TEST_DURATION", v)
		if got := getEnvDuration("SCHEDMQ_TEST_DURATION", time.Minute); got != time.Minute {
			t.Errorf("getEnvDuration(%q) = %v, want default 1m", v, got)
		}
	}
}
