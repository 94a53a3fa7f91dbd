// Package config loads service configuration from an optional YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"garagemsg/internal/auth"
	"garagemsg/internal/model"
)

type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"logLevel"`
	Port     int    `yaml:"port"`
	// ShutdownTimeout bounds graceful drain of HTTP, worker and executor.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	DatabaseURL   string `yaml:"databaseUrl"`
	Migrate       bool   `yaml:"migrate"`
	MigrationsDir string `yaml:"migrationsDir"`
	RedisURL      string `yaml:"redisUrl"`

	Auth     auth.Config    `yaml:"auth"`
	Provider ProviderConfig `yaml:"provider"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Executor ExecutorConfig `yaml:"executor"`

	// RateLimits is keyed by resource class (messages, messages:recipient, ...).
	RateLimits map[string]RateLimit `yaml:"rateLimits"`
	// Plans maps plan name to per-resource quota limits.
	Plans   map[string]map[string]int64 `yaml:"plans"`
	Tenants []model.Tenant              `yaml:"tenants"`
}

type RateLimit struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type ProviderConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type WebhookConfig struct {
	AppSecret       string        `yaml:"appSecret"`
	VerifyToken     string        `yaml:"verifyToken"`
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout"`
	// Workers and QueueSize size the partner delivery pool, kept apart from
	// inbound processing so an inbound task never waits on its own pool.
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queueSize"`
}

type DispatchConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	BaseDelay    time.Duration `yaml:"baseDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
	Lease        time.Duration `yaml:"lease"`
	SendRate     float64       `yaml:"sendRate"`
	Burst        int           `yaml:"burst"`
}

type ExecutorConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queueSize"`
	TaskTimeout time.Duration `yaml:"taskTimeout"`
}

// Rate-limit classes used by the HTTP surface.
const (
	ClassMessages          = "messages"
	ClassMessagesRecipient = "messages:recipient"
	ClassWebhooks          = "webhooks"
	ClassVehicles          = "vehicles"
)

func Default() Config {
	return Config{
		Env:             "dev",
		LogLevel:        "info",
		Port:            8080,
		ShutdownTimeout: 15 * time.Second,
		Migrate:         true,
		MigrationsDir:   "db/migrations",
		Auth:            auth.Config{Mode: auth.ModeDev},
		Provider:        ProviderConfig{BaseURL: "https://graph.facebook.com/v19.0", Timeout: 10 * time.Second},
		Webhook:         WebhookConfig{DeliveryTimeout: 10 * time.Second, Workers: 16, QueueSize: 1024},
		Dispatch: DispatchConfig{
			MaxAttempts:  5,
			BaseDelay:    2 * time.Second,
			MaxDelay:     32 * time.Second,
			PollInterval: time.Second,
			BatchSize:    50,
			Lease:        time.Minute,
			SendRate:     20,
			Burst:        5,
		},
		Executor: ExecutorConfig{Workers: 32, QueueSize: 1024, TaskTimeout: 30 * time.Second},
		RateLimits: map[string]RateLimit{
			ClassMessages:          {Limit: 120, Window: time.Minute},
			ClassMessagesRecipient: {Limit: 10, Window: time.Minute},
			ClassWebhooks:          {Limit: 30, Window: time.Minute},
			ClassVehicles:          {Limit: 60, Window: time.Minute},
		},
		Plans: map[string]map[string]int64{
			"free":  {model.ResourcePlates: 2, model.ResourceMessages: 100},
			"pro":   {model.ResourcePlates: 50, model.ResourceMessages: 10000},
			"fleet": {model.ResourcePlates: 1000},
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("APP_ENV", &c.Env)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("WEBHOOK_APP_SECRET", &c.Webhook.AppSecret)
	str("WEBHOOK_VERIFY_TOKEN", &c.Webhook.VerifyToken)
	str("PROVIDER_BASE_URL", &c.Provider.BaseURL)
	str("PROVIDER_TOKEN", &c.Provider.Token)
	str("AUTH_MODE", &c.Auth.Mode)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("AUTH_JWKS_URL", &c.Auth.JWKSURL)

	if v, ok := lookup("PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Port = n
	}
	if v, ok := lookup("DISPATCH_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_MAX_ATTEMPTS: %w", err)
		}
		c.Dispatch.MaxAttempts = n
	}
	if v, ok := lookup("DB_MIGRATE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DB_MIGRATE: %w", err)
		}
		c.Migrate = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.maxAttempts must be at least 1"))
	}
	if c.Dispatch.BaseDelay <= 0 || c.Dispatch.MaxDelay < c.Dispatch.BaseDelay {
		errs = append(errs, errors.New("dispatch delays must satisfy 0 < baseDelay <= maxDelay"))
	}
	for class, rl := range c.RateLimits {
		if rl.Limit > 0 && rl.Window <= 0 {
			errs = append(errs, fmt.Errorf("rateLimits.%s: window must be positive", class))
		}
	}
	for _, t := range c.Tenants {
		if t.ID == "" {
			errs = append(errs, errors.New("tenants: id is required"))
		}
		if t.Plan != "" && len(t.Limits) == 0 {
			if _, ok := c.Plans[t.Plan]; !ok {
				errs = append(errs, fmt.Errorf("tenant %s: unknown plan %q", t.ID, t.Plan))
			}
		}
	}
	switch strings.ToLower(c.Auth.Mode) {
	case auth.ModeDev, "":
		if c.Production() {
			errs = append(errs, errors.New("auth.mode dev is not allowed in production"))
		}
	case auth.ModeHMAC:
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth.hmacSecret is required for hmac mode"))
		}
	case auth.ModeJWKS:
		if c.Auth.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwksUrl is required for jwks mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.mode %q", c.Auth.Mode))
	}
	if c.Production() && c.Webhook.AppSecret == "" {
		errs = append(errs, errors.New("webhook.appSecret is required in production"))
	}
	return errors.Join(errs...)
}

func (c Config) Production() bool { return c.Env == "prod" || c.Env == "production" }

// Rate returns the configured limit of a class; a zero value disables it.
func (c Config) Rate(class string) RateLimit { return c.RateLimits[class] }

// SeedTenants returns the configured tenants with plan limits filled in.
func (c Config) SeedTenants() []model.Tenant {
	out := make([]model.Tenant, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		if len(t.Limits) == 0 {
			if plan, ok := c.Plans[t.Plan]; ok {
				t.Limits = make(map[string]int64, len(plan))
				for k, v := range plan {
					t.Limits[k] = v
				}
			}
		}
		out = append(out, t)
	}
	return out
}
