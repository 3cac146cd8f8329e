// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Env string

	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Database settings
	DBDriver          string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBAutoMigrate     bool

	// Event bus: "nats" or "local"
	EventBus string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Presence registry: "redis" or "memory"
	PresenceBackend string
	PresenceTTL     time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKeyPrefix  string

	// Notifications
	KafkaBrokers       []string
	NotificationsTopic string

	// JWT settings
	JWTSecret string

	// Conversation & messaging rules
	ResolverAtomic    bool
	StoreMaxRetries   int
	MessageEditWindow time.Duration
	ReconcileInterval time.Duration

	// Calls
	CallRingTimeout    time.Duration
	CallExpiryInterval time.Duration
	SignalRatePerSec   float64
	SignalBurst        int
	WSAllowedOrigins   []string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env: getEnv("APP_ENV", "production"),

		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// Database
		DBDriver:          getEnv("DB_DRIVER", "mysql"),
		DBDSN:             getEnv("DB_DSN", "saha:saha@tcp(localhost:3306)/saha?charset=utf8mb4&parseTime=True&loc=UTC"),
		DBMaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBAutoMigrate:     getBoolEnv("DB_AUTO_MIGRATE", true),

		EventBus: getEnv("EVENT_BUS", "nats"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Presence
		PresenceBackend: getEnv("PRESENCE_BACKEND", "redis"),
		PresenceTTL:     getDurationEnv("PRESENCE_TTL", 90*time.Second),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getIntEnv("REDIS_DB", 0),
		RedisKeyPrefix:  getEnv("REDIS_KEY_PREFIX", "saha"),

		// Notifications
		KafkaBrokers:       getListEnv("KAFKA_BROKERS"),
		NotificationsTopic: getEnv("NOTIFICATIONS_TOPIC", "chat.notifications"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Conversations & messages
		ResolverAtomic:    getBoolEnv("RESOLVER_ATOMIC", true),
		StoreMaxRetries:   getIntEnv("STORE_MAX_RETRIES", 3),
		MessageEditWindow: getDurationEnv("MESSAGE_EDIT_WINDOW", 60*time.Minute),
		ReconcileInterval: getDurationEnv("RECONCILE_INTERVAL", time.Minute),

		// Calls
		CallRingTimeout:    getDurationEnv("CALL_RING_TIMEOUT", 45*time.Second),
		CallExpiryInterval: getDurationEnv("CALL_EXPIRY_INTERVAL", 5*time.Second),
		SignalRatePerSec:   getFloatEnv("SIGNAL_RATE_PER_SEC", 50),
		SignalBurst:        getIntEnv("SIGNAL_BURST", 100),
		WSAllowedOrigins:   getListEnv("WS_ALLOWED_ORIGINS"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
