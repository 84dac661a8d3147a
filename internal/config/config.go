package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/shopspring/decimal"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRTDB   = "rtdb"
	StoreMongo  = "mongo"
	StoreSQLite = "sqlite"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port           int
	LogLevel       string
	AllowedOrigins []string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Cache
	CacheTTL      time.Duration
	CacheMaxItems int

	// Observability
	OTLPEndpoint string

	// Document store
	StoreBackend  string
	StoreRoot     string
	RTDBURL       string
	RTDBAuth      string
	MongoURI      string
	MongoDatabase string
	SQLitePath    string

	// Events
	NATSURL string

	// Identity
	JWTSecret string
	JWTIssuer string

	// Pipeline
	DefaultLanguage      domain.Language
	NoSpeechRestartDelay time.Duration
	AmountCeiling        decimal.Decimal
	SyncQueueSize        int

	// Dev mode
	DevTokens bool // DEV_TOKENS=true exposes POST /v1/dev/token
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	lang, ok := domain.ParseLanguage(getEnv("DEFAULT_LANGUAGE", "en"))
	if !ok {
		lang = domain.LanguageEnglish
	}

	return &Config{
		Port:           getEnvInt("PORT", 8080),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		CacheTTL:      getEnvDuration("CACHE_TTL", 5*time.Minute),
		CacheMaxItems: getEnvInt("CACHE_MAX_ITEMS", 10000),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		StoreRoot:     getEnv("STORE_ROOT", "user"),
		RTDBURL:       getEnv("RTDB_URL", ""),
		RTDBAuth:      getEnv("RTDB_AUTH", ""),
		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DATABASE", "finvoice"),
		SQLitePath:    getEnv("SQLITE_PATH", "finvoice.db"),

		NATSURL: getEnv("NATS_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", "finvoice-default-dev-secret-change-me"),
		JWTIssuer: getEnv("JWT_ISSUER", ""),

		DefaultLanguage:      lang,
		NoSpeechRestartDelay: getEnvDuration("NO_SPEECH_RESTART_DELAY", 1500*time.Millisecond),
		AmountCeiling:        getEnvDecimal("AMOUNT_CEILING", decimal.NewFromInt(10_000_000)),
		SyncQueueSize:        getEnvInt("SYNC_QUEUE_SIZE", 256),

		DevTokens: getEnvBool("DEV_TOKENS", false),
	}
}

// Validate reports settings the selected backends cannot start without.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StoreRTDB:
		if c.RTDBURL == "" {
			return fmt.Errorf("STORE_BACKEND=rtdb requires RTDB_URL")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("STORE_BACKEND=mongo requires MONGO_URI")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("STORE_BACKEND=sqlite requires SQLITE_PATH")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if !c.AmountCeiling.IsPositive() {
		return fmt.Errorf("AMOUNT_CEILING must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
