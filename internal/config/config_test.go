package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MESSAGE_EDIT_WINDOW", "")
	t.Setenv("EVENT_BUS", "")
	t.Setenv("REDIS_KEY_PREFIX", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 60*time.Minute, cfg.MessageEditWindow)
	assert.Equal(t, "nats", cfg.EventBus)
	assert.True(t, cfg.ResolverAtomic)
	assert.Equal(t, 3, cfg.StoreMaxRetries)
	assert.Equal(t, "saha", cfg.RedisKeyPrefix)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MESSAGE_EDIT_WINDOW", "15m")
	t.Setenv("RESOLVER_ATOMIC", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("SIGNAL_RATE_PER_SEC", "12.5")
	t.Setenv("STORE_MAX_RETRIES", "not-a-number")

	cfg := Load()

	assert.Equal(t, 15*time.Minute, cfg.MessageEditWindow)
	assert.False(t, cfg.ResolverAtomic)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 12.5, cfg.SignalRatePerSec)
	assert.Equal(t, 3, cfg.StoreMaxRetries)
}
