package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogFormat          string        `mapstructure:"LOG_FORMAT"`
	PublicBaseURL      string        `mapstructure:"PUBLIC_BASE_URL"`
	StoreBackend       string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir      string        `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	TrustedProxies     []string      `mapstructure:"TRUSTED_PROXIES"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	StatusCheckRPS     float64       `mapstructure:"STATUS_CHECK_RPS"`
	StatusCheckBurst   int           `mapstructure:"STATUS_CHECK_BURST"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	BlobBackend        string        `mapstructure:"BLOB_BACKEND"`
	S3Bucket           string        `mapstructure:"S3_BUCKET"`
	S3Endpoint         string        `mapstructure:"S3_ENDPOINT"`
	BlobPublicBaseURL  string        `mapstructure:"BLOB_PUBLIC_BASE_URL"`
	MaxAttachmentBytes int64         `mapstructure:"MAX_ATTACHMENT_BYTES"`
	ReferralIDPrefix   string        `mapstructure:"REFERRAL_ID_PREFIX"`
	GeminiAPIKey       string        `mapstructure:"GEMINI_API_KEY"`
	GeminiModel        string        `mapstructure:"GEMINI_MODEL"`
	GeminiEndpoint     string        `mapstructure:"GEMINI_ENDPOINT"`
	EventsBackend      string        `mapstructure:"EVENTS_BACKEND"`
	SQSQueueURL        string        `mapstructure:"SQS_QUEUE_URL"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic         string        `mapstructure:"KAFKA_TOPIC"`
	WebhookURL         string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret      string        `mapstructure:"WEBHOOK_SECRET"`
	SMTPHost           string        `mapstructure:"SMTP_HOST"`
	SMTPPort           int           `mapstructure:"SMTP_PORT"`
	SMTPUser           string        `mapstructure:"SMTP_USER"`
	SMTPPass           string        `mapstructure:"SMTP_PASS"`
	SMTPSender         string        `mapstructure:"SMTP_SENDER"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_FORMAT", "PUBLIC_BASE_URL",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"CORS_ORIGINS", "TRUSTED_PROXIES", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "STATUS_CHECK_RPS", "STATUS_CHECK_BURST",
	"REQUEST_TIMEOUT", "BODY_LIMIT",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"BLOB_BACKEND", "S3_BUCKET", "S3_ENDPOINT", "BLOB_PUBLIC_BASE_URL", "MAX_ATTACHMENT_BYTES",
	"REFERRAL_ID_PREFIX",
	"GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_ENDPOINT",
	"EVENTS_BACKEND", "SQS_QUEUE_URL", "KAFKA_BROKERS", "KAFKA_TOPIC", "WEBHOOK_URL", "WEBHOOK_SECRET",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "SMTP_SENDER",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("STORE_BACKEND", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("STATUS_CHECK_RPS", 0.2)
	v.SetDefault("STATUS_CHECK_BURST", 5)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "12M")
	v.SetDefault("BLOB_BACKEND", "memory")
	v.SetDefault("MAX_ATTACHMENT_BYTES", 10*1024*1024)
	v.SetDefault("REFERRAL_ID_PREFIX", "TX-REF")
	v.SetDefault("GEMINI_MODEL", "gemini-1.5-flash")
	v.SetDefault("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("EVENTS_BACKEND", "log")
	v.SetDefault("KAFKA_TOPIC", "referral-events")
	v.SetDefault("SMTP_PORT", 465)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 0 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if len(cfg.TrustedProxies) == 0 {
		if proxies := v.GetString("TRUSTED_PROXIES"); proxies != "" {
			cfg.TrustedProxies = strings.Split(proxies, ",")
		}
	}
	if len(cfg.KafkaBrokers) == 0 {
		if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
			cfg.KafkaBrokers = strings.Split(brokers, ",")
		}
	}

	if cfg.StoreBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is \"postgres\"")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; staff routes accept any caller.")
		log.Println("WARNING: Set ENV=production and configure AUTH_* for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AIEnabled reports whether the text-generation collaborator is configured.
func (c *Config) AIEnabled() bool {
	return c.GeminiAPIKey != ""
}

// EmailEnabled reports whether SMTP delivery is configured.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != "" && c.SMTPSender != ""
}

// Validate checks that the configuration is safe to run. Outside development
// staff routes need either a signing key or a JWKS source, and every
// pluggable backend must name a known implementation with its settings.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set outside development (current ENV=%q)", c.Env)
	}

	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is \"postgres\"")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORE_BACKEND \"memory\" is not allowed in production")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be \"postgres\" or \"memory\", got %q", c.StoreBackend)
	}

	switch c.BlobBackend {
	case "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"memory\" or \"s3\", got %q", c.BlobBackend)
	}

	switch c.EventsBackend {
	case "log":
	case "sqs":
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required when EVENTS_BACKEND is \"sqs\"")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPIC are required when EVENTS_BACKEND is \"kafka\"")
		}
	case "webhook":
		if c.WebhookURL == "" || c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_URL and WEBHOOK_SECRET are required when EVENTS_BACKEND is \"webhook\"")
		}
	default:
		return fmt.Errorf("EVENTS_BACKEND must be one of log, sqs, kafka, webhook; got %q", c.EventsBackend)
	}

	if c.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("MAX_ATTACHMENT_BYTES must be positive, got %d", c.MaxAttachmentBytes)
	}

	return nil
}
