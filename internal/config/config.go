package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	LogLevel  string
	LogPretty bool

	JWTSecret          string
	InternalSecret     string
	InternalHMACWindow time.Duration

	Redis RedisConfig

	DefaultCurrency string
	FeeWalletOwner  string
	MerchantFeeBps  int64
	TopupEnabled    bool

	QRExpiry      time.Duration
	LinkExpiry    time.Duration
	RequestExpiry time.Duration

	IdempotencyTTL    time.Duration
	SchedulerInterval time.Duration
	PolicyFile        string

	Webhook WebhookConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type WebhookConfig struct {
	BaseDelay         time.Duration
	BackoffFactor     float64
	MaxAttempts       int
	DisableAfterFails int
	Timeout           time.Duration
	BatchSize         int
	PollInterval      time.Duration
}

const (
	devJWTSecret      = "change_me_in_prod"
	devInternalSecret = "dev_secret"
)

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	env := getEnv("ENVIRONMENT", "development")
	cfg := &Config{
		DBSource: dbSource,
		Port:     getEnv("SERVER_PORT", "8080"),
		Env:      env,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		JWTSecret:          getEnv("JWT_SECRET", devJWTSecret),
		InternalSecret:     getEnv("INTERNAL_API_SECRET", devInternalSecret),
		InternalHMACWindow: getEnvAsDuration("INTERNAL_HMAC_TTL", 300*time.Second),

		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		DefaultCurrency: getEnv("DEFAULT_CURRENCY", "SYP"),
		FeeWalletOwner:  getEnv("FEE_WALLET_OWNER", "platform:fees"),
		MerchantFeeBps:  int64(getEnvAsInt("MERCHANT_FEE_BPS", 0)),
		TopupEnabled:    getEnvAsBool("TOPUP_ENABLED", env == "development"),

		QRExpiry:      getEnvAsDuration("QR_EXPIRY", 15*time.Minute),
		LinkExpiry:    getEnvAsDuration("LINK_EXPIRY", 7*24*time.Hour),
		RequestExpiry: getEnvAsDuration("REQUEST_EXPIRY", 30*time.Minute),

		IdempotencyTTL:    getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		SchedulerInterval: getEnvAsDuration("SCHEDULER_INTERVAL", 0),
		PolicyFile:        os.Getenv("POLICY_FILE"),

		Webhook: WebhookConfig{
			BaseDelay:         time.Duration(getEnvAsInt("WEBHOOK_BASE_DELAY_SECS", 2)) * time.Second,
			BackoffFactor:     float64(getEnvAsInt("WEBHOOK_BACKOFF_FACTOR", 2)),
			MaxAttempts:       getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 5),
			DisableAfterFails: getEnvAsInt("WEBHOOK_DISABLE_AFTER_FAILS", 0),
			Timeout:           getEnvAsDuration("WEBHOOK_TIMEOUT", 5*time.Second),
			BatchSize:         getEnvAsInt("WEBHOOK_BATCH_SIZE", 50),
			PollInterval:      getEnvAsDuration("WEBHOOK_POLL_INTERVAL", 2*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev"
}

// Validate rejects settings that are only acceptable in development.
func (c *Config) Validate() error {
	if c.MerchantFeeBps < 0 || c.MerchantFeeBps > 10000 {
		return fmt.Errorf("MERCHANT_FEE_BPS must be within 0..10000, got %d", c.MerchantFeeBps)
	}
	if c.FeeWalletOwner == "" {
		return fmt.Errorf("FEE_WALLET_OWNER must not be empty")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.IsDevelopment() {
		return nil
	}

	var problems []string
	if c.JWTSecret == "" || c.JWTSecret == devJWTSecret {
		problems = append(problems, "JWT_SECRET must be set")
	}
	if c.InternalSecret == "" || c.InternalSecret == devInternalSecret {
		problems = append(problems, "INTERNAL_API_SECRET must be set")
	}
	if c.TopupEnabled {
		problems = append(problems, "TOPUP_ENABLED must be false outside development")
	}
	if c.Redis.Addr == "" {
		problems = append(problems, "REDIS_ADDR is required outside development")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid %s configuration: %s", c.Env, strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
