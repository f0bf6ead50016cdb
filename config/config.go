package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const configPathEnv = "GATEWAY_CONFIG"

// Config holds every tunable of the gateway. Nothing below is load-bearing
// for correctness; the numbers are operational defaults.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	AI          AIConfig          `yaml:"ai"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Workers     WorkerConfig      `yaml:"workers"`
	Auth        AuthConfig        `yaml:"auth"`
	Notify      NotifyConfig      `yaml:"notify"`
}

type ServerConfig struct {
	Port              string        `yaml:"port"`
	BodyLimitBytes    int           `yaml:"bodyLimitBytes"`
	AllowedOrigins    string        `yaml:"allowedOrigins"`
	WebhookSources    []string      `yaml:"webhookSources"` // CIDRs allowed to post marketplace webhooks; empty allows all
	AnswerRateMax     int           `yaml:"answerRateMax"`
	AnswerRateWindow  time.Duration `yaml:"answerRateWindow"`
	WebhookRateMax    int           `yaml:"webhookRateMax"`
	WebhookRateWindow time.Duration `yaml:"webhookRateWindow"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres | sqlite
	DSN    string `yaml:"dsn"`
}

// RedisConfig selects the shared store for rate windows and circuit state.
// An empty Addr means in-process memory, correct only for a single replica.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

type MarketplaceConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	Timeout time.Duration `yaml:"timeout"`
}

type AIConfig struct {
	WebhookURL    string        `yaml:"webhookUrl"`
	CallbackURL   string        `yaml:"callbackUrl"`
	SigningSecret string        `yaml:"signingSecret"`
	Timeout       time.Duration `yaml:"timeout"`
	HourlyLimit   int           `yaml:"hourlyLimit"`
}

type RateLimitConfig struct {
	AccountLimit int           `yaml:"accountLimit"`
	OrgLimit     int           `yaml:"orgLimit"`
	Window       time.Duration `yaml:"window"`
}

type CircuitConfig struct {
	Threshold    int           `yaml:"threshold"`
	BaseBackoff  time.Duration `yaml:"baseBackoff"`
	MaxBackoff   time.Duration `yaml:"maxBackoff"`
	TrialTimeout time.Duration `yaml:"trialTimeout"`
	IdleReset    time.Duration `yaml:"idleReset"`
}

type ApprovalConfig struct {
	BaseURL  string        `yaml:"baseUrl"`
	TokenTTL time.Duration `yaml:"tokenTtl"`
	PINHash  string        `yaml:"pinHash"` // bcrypt hash, see `gateway hash-pin`
}

type WorkerConfig struct {
	Count         int           `yaml:"count"`
	QueueSize     int           `yaml:"queueSize"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	RetryInterval time.Duration `yaml:"retryInterval"`
	StalePending  time.Duration `yaml:"stalePending"`
	MaxRetries    int           `yaml:"maxRetries"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	SweepAfter    time.Duration `yaml:"sweepAfter"`
	LeaseDuration time.Duration `yaml:"leaseDuration"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret"`
	TokenTTL  time.Duration `yaml:"tokenTtl"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhookUrl"` // empty logs notifications instead of posting them
}

// Load reads .env (if present), the YAML file named by GATEWAY_CONFIG (if set)
// and finally applies environment overrides on top of the defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: cannot load .env: %v", err)
	}

	cfg := Default()
	if path := os.Getenv(configPathEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			log.Printf("config: %v (falling back to defaults)", err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshalling into the populated struct keeps defaults for absent keys.
	return yaml.Unmarshal(raw, c)
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = envString("PORT", c.Server.Port)
	c.Server.BodyLimitBytes = envInt("BODY_LIMIT_BYTES", c.Server.BodyLimitBytes)
	c.Server.AllowedOrigins = envString("ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	if v := os.Getenv("WEBHOOK_SOURCES"); v != "" {
		c.Server.WebhookSources = splitList(v)
	}

	c.Database.Driver = envString("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = envString("DATABASE_DSN", c.Database.DSN)

	c.Redis.Addr = envString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envString("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envInt("REDIS_DB", c.Redis.DB)

	c.Logging.Level = envString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envString("LOG_FORMAT", c.Logging.Format)

	c.Marketplace.BaseURL = envString("MARKETPLACE_BASE_URL", c.Marketplace.BaseURL)
	c.Marketplace.Timeout = envDuration("MARKETPLACE_TIMEOUT", c.Marketplace.Timeout)

	c.AI.WebhookURL = envString("AI_WEBHOOK_URL", c.AI.WebhookURL)
	c.AI.CallbackURL = envString("AI_CALLBACK_URL", c.AI.CallbackURL)
	c.AI.SigningSecret = envString("AI_SIGNING_SECRET", c.AI.SigningSecret)
	c.AI.Timeout = envDuration("AI_TIMEOUT", c.AI.Timeout)
	c.AI.HourlyLimit = envInt("AI_HOURLY_LIMIT", c.AI.HourlyLimit)

	c.RateLimit.AccountLimit = envInt("RATE_LIMIT_ACCOUNT", c.RateLimit.AccountLimit)
	c.RateLimit.OrgLimit = envInt("RATE_LIMIT_ORG", c.RateLimit.OrgLimit)
	c.RateLimit.Window = envDuration("RATE_LIMIT_WINDOW", c.RateLimit.Window)

	c.Circuit.Threshold = envInt("CIRCUIT_THRESHOLD", c.Circuit.Threshold)
	c.Circuit.BaseBackoff = envDuration("CIRCUIT_BASE_BACKOFF", c.Circuit.BaseBackoff)
	c.Circuit.MaxBackoff = envDuration("CIRCUIT_MAX_BACKOFF", c.Circuit.MaxBackoff)

	c.Approval.BaseURL = envString("APPROVAL_BASE_URL", c.Approval.BaseURL)
	c.Approval.TokenTTL = envDuration("APPROVAL_TOKEN_TTL", c.Approval.TokenTTL)
	c.Approval.PINHash = envString("APPROVAL_PIN_HASH", c.Approval.PINHash)

	c.Workers.Count = envInt("WORKER_COUNT", c.Workers.Count)
	c.Workers.MaxRetries = envInt("WORKER_MAX_RETRIES", c.Workers.MaxRetries)

	// Prefer JWT_SECRET_KEY, fallback to JWT_SECRET
	c.Auth.JWTSecret = envString("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTSecret = envString("JWT_SECRET_KEY", c.Auth.JWTSecret)

	c.Notify.WebhookURL = envString("NOTIFY_WEBHOOK_URL", c.Notify.WebhookURL)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              "8080",
			BodyLimitBytes:    1 * 1024 * 1024,
			AllowedOrigins:    "*",
			AnswerRateMax:     10,
			AnswerRateWindow:  time.Minute,
			WebhookRateMax:    600,
			WebhookRateWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Driver: "postgres",
			DSN:    "host=localhost user=gateway password=gateway dbname=gateway port=5432 sslmode=disable",
		},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Marketplace: MarketplaceConfig{BaseURL: "https://api.mercadolibre.com", Timeout: 10 * time.Second},
		AI:          AIConfig{Timeout: 10 * time.Second, HourlyLimit: 600},
		RateLimit: RateLimitConfig{
			// The vendor ceiling is 2000/hour; keep a safety margin below it.
			AccountLimit: 1800,
			OrgLimit:     5000,
			Window:       time.Hour,
		},
		Circuit: CircuitConfig{
			Threshold:    3,
			BaseBackoff:  30 * time.Second,
			MaxBackoff:   15 * time.Minute,
			TrialTimeout: 30 * time.Second,
			IdleReset:    24 * time.Hour,
		},
		Approval: ApprovalConfig{BaseURL: "http://localhost:8080", TokenTTL: 24 * time.Hour},
		Workers: WorkerConfig{
			Count:         4,
			QueueSize:     256,
			PollInterval:  5 * time.Second,
			RetryInterval: time.Minute,
			StalePending:  10 * time.Minute,
			MaxRetries:    5,
			SweepInterval: 15 * time.Minute,
			SweepAfter:    time.Hour,
			LeaseDuration: 5 * time.Minute,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt reads an int env var with a default fallback.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
