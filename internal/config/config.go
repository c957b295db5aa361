package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	AppEnv      string
	ServiceName string
	LogLevel    string
	BaseURL     string
	AdminAPIKey string
	PostgresDSN string

	DocumentRoot     string
	MaxDocumentBytes int64

	CodeLength          int
	CodeTTL             time.Duration
	CodeCooldown        time.Duration
	CodeMaxAttempts     int
	MaxSignatureBytes   int
	VerifyDocumentOnSig bool

	NotifierBackend   string
	NotifyConcurrency int
	WebhookURL        string
	WebhookSecret     string
	WebhookRPS        float64
	NotifyChannel     string

	CertAuthorityURL string
	PolicyPath       string
	PolicyMaxSigners int
	PolicyMaxExpiry  time.Duration

	ExpirySweepInterval time.Duration
	ExpirySweepBatch    int

	RateLimitRequests      int
	RateLimitWindowSeconds int
	RateLimitFailClosed    bool
	RateLimitMaxKeys       int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TelemetryEndpoint string
	TelemetryInsecure bool
	SnowflakeNode     int64
}

// FromEnv loads an optional .env file and then reads the process environment.
func FromEnv() Config {
	_ = godotenv.Load()

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:    addr,
		AppEnv:      envDefault("APP_ENV", "production"),
		ServiceName: envDefault("SERVICE_NAME", "countersign"),
		LogLevel:    envDefault("LOG_LEVEL", "info"),
		BaseURL:     envDefault("PUBLIC_BASE_URL", "http://localhost:8080"),
		AdminAPIKey: os.Getenv("ADMIN_API_KEY"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),

		DocumentRoot:     os.Getenv("DOCUMENT_ROOT"),
		MaxDocumentBytes: int64(envIntDefault("MAX_DOCUMENT_BYTES", 25<<20)),

		CodeLength:          envIntDefault("CODE_LENGTH", 6),
		CodeTTL:             envDurationDefault("CODE_TTL", 10*time.Minute),
		CodeCooldown:        envDurationDefault("CODE_COOLDOWN", time.Minute),
		CodeMaxAttempts:     envIntDefault("CODE_MAX_ATTEMPTS", 5),
		MaxSignatureBytes:   envIntDefault("MAX_SIGNATURE_IMAGE_BYTES", 2<<20),
		VerifyDocumentOnSig: envBoolDefault("VERIFY_DOCUMENT_ON_SIGN", true),

		NotifierBackend:   envDefault("NOTIFIER", "log"),
		NotifyConcurrency: envIntDefault("NOTIFY_CONCURRENCY", 4),
		WebhookURL:        os.Getenv("NOTIFY_WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		WebhookRPS:        envFloatDefault("NOTIFY_WEBHOOK_RPS", 10),
		NotifyChannel:     envDefault("NOTIFY_REDIS_CHANNEL", "countersign.notifications"),

		CertAuthorityURL: os.Getenv("CERT_AUTHORITY_URL"),
		PolicyPath:       os.Getenv("CREATION_POLICY_PATH"),
		PolicyMaxSigners: envIntDefault("POLICY_MAX_SIGNERS", 50),
		PolicyMaxExpiry:  envDurationDefault("POLICY_MAX_EXPIRY", 365*24*time.Hour),

		ExpirySweepInterval: envDurationDefault("EXPIRY_SWEEP_INTERVAL", 0),
		ExpirySweepBatch:    envIntDefault("EXPIRY_SWEEP_BATCH", 100),

		RateLimitRequests:      envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitWindowSeconds: envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:    envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMaxKeys:       envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envIntDefault("REDIS_DB", 0),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: envBoolDefault("OTEL_EXPORTER_OTLP_INSECURE", true),
		SnowflakeNode:     int64(envIntDefault("SNOWFLAKE_NODE", 1)),
	}
}

func (c Config) Development() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

func (c Config) RateLimitWindow() time.Duration {
	if c.RateLimitWindowSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func envDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envFloatDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

// envDurationDefault accepts Go durations ("90s") and bare seconds ("90").
func envDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}
