package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP
	HTTPPort string

	// Logging
	LogLevel string

	// Postgres / TimescaleDB
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Ingestion
	AutoRegister bool
	MaxClockSkew time.Duration

	// Pipeline channels
	EvalChannelSize int
	LiveChannelSize int

	// Evaluation
	EvalWorkers int
	StaleAfter  time.Duration // 0 disables staleness reset

	// Notification
	TelegramToken    string
	TelegramChatIDs  []int64
	NotifyQueueSize  int
	NotifyMaxRetries int
	NotifyBaseDelay  time.Duration
	NotifyMaxDelay   time.Duration

	// Auth
	AuthCacheTTL  time.Duration
	DeviceAPIKeys []string
	OperatorKeys  []string
}

// Load reads configuration from the environment, falling back to defaults
// suitable for local development. A .env file is honored when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "soilwatch"),
		DBPassword:       getEnv("DB_PASSWORD", "soilwatch"),
		DBName:           getEnv("DB_NAME", "soilwatch"),
		DBMaxConns:       int32(getEnvInt("DB_MAX_CONNS", 10)),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		AutoRegister:     getEnvBool("INGEST_AUTO_REGISTER", true),
		MaxClockSkew:     getEnvDuration("INGEST_MAX_CLOCK_SKEW", 5*time.Minute),
		EvalChannelSize:  getEnvInt("EVAL_CHANNEL_SIZE", 4096),
		LiveChannelSize:  getEnvInt("LIVE_CHANNEL_SIZE", 4096),
		EvalWorkers:      getEnvInt("EVAL_WORKERS", 4),
		StaleAfter:       getEnvDuration("EVAL_STALE_AFTER", 0),
		TelegramToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatIDs:  getEnvInt64List("TELEGRAM_CHAT_IDS", nil),
		NotifyQueueSize:  getEnvInt("NOTIFY_QUEUE_SIZE", 1024),
		NotifyMaxRetries: getEnvInt("NOTIFY_MAX_RETRIES", 5),
		NotifyBaseDelay:  getEnvDuration("NOTIFY_BASE_DELAY", time.Second),
		NotifyMaxDelay:   getEnvDuration("NOTIFY_MAX_DELAY", time.Minute),
		AuthCacheTTL:     getEnvDuration("AUTH_CACHE_TTL", 5*time.Minute),
		DeviceAPIKeys:    getEnvList("DEVICE_API_KEYS", ""),
		OperatorKeys:     getEnvList("OPERATOR_API_KEYS", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvInt64List(key string, fallback []int64) []int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
