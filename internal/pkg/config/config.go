package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config is built once at startup and handed to every component that needs it.
type Config struct {
	AppEnv       string `envconfig:"APP_ENV" default:"prod" validate:"oneof=dev test prod"`
	AppHost      string `envconfig:"APP_HOST" default:"localhost"`
	AppPort      string `envconfig:"APP_PORT" default:"4000" validate:"numeric"`
	PublicDomain string `envconfig:"PUBLIC_DOMAIN" default:""`

	DBHost     string `envconfig:"DB_HOST" default:"127.0.0.1"`
	DBPort     string `envconfig:"DB_PORT" default:"3306" validate:"numeric"`
	DBUser     string `envconfig:"DB_USER" default:"localmarket"`
	DBPassword string `envconfig:"DB_PASSWORD" default:""`
	DBName     string `envconfig:"DB_NAME" default:"localmarket_db"`

	CacheHost     string        `envconfig:"CACHE_HOST" default:"localhost"`
	CachePort     string        `envconfig:"CACHE_PORT" default:"6379" validate:"numeric"`
	CachePassword string        `envconfig:"CACHE_PASSWORD" default:""`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"5m"`

	GatewayAccessToken string        `envconfig:"GATEWAY_ACCESS_TOKEN" required:"true" validate:"required"`
	GatewayBaseURL     string        `envconfig:"GATEWAY_BASE_URL" default:"https://api.mercadopago.com" validate:"url"`
	GatewayTimeout     time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"15s"`
	WebhookSecret      string        `envconfig:"GATEWAY_WEBHOOK_SECRET" default:""`
	NotificationURL    string        `envconfig:"GATEWAY_NOTIFICATION_URL" default:""`
	Currency           string        `envconfig:"BILLING_CURRENCY" default:"ARS" validate:"len=3"`

	MaxAttempts       int           `envconfig:"WEBHOOK_MAX_ATTEMPTS" default:"12" validate:"min=1"`
	TransitionRetries int           `envconfig:"WEBHOOK_TRANSITION_RETRIES" default:"5" validate:"min=1"`
	SweepInterval     time.Duration `envconfig:"WEBHOOK_SWEEP_INTERVAL" default:"2m"`
	SweepMinAge       time.Duration `envconfig:"WEBHOOK_SWEEP_MIN_AGE" default:"1m"`
	SweepBatchSize    int           `envconfig:"WEBHOOK_SWEEP_BATCH_SIZE" default:"100" validate:"min=1"`
	QueueWorkers      int           `envconfig:"JOB_QUEUE_WORKERS" default:"3"`

	RabbitURL      string `envconfig:"RABBIT_URL" default:""`
	EventsExchange string `envconfig:"BILLING_EVENTS_EXCHANGE" default:"billing.events"`

	ArchiveEnabled         bool   `envconfig:"S3_ARCHIVE_ENABLED" default:"false"`
	ArchiveAccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID" default:""`
	ArchiveSecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY" default:""`
	ArchiveRegion          string `envconfig:"S3_REGION" default:"us-east-1"`
	ArchiveBucket          string `envconfig:"S3_BUCKET_NAME" default:""`
	ArchiveEndpointURL     string `envconfig:"S3_ENDPOINT_URL" default:""`

	AdminAPIKeyHash string `envconfig:"ADMIN_API_KEY_HASH" default:""`
	MonitorUser     string `envconfig:"MONITOR_USER" default:"admin"`
	MonitorPassword string `envconfig:"MONITOR_PASSWORD" default:""`
}

// Load reads the configuration from the environment. A missing gateway
// credential is reported here so the process can refuse to start.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.GatewayAccessToken = strings.TrimSpace(cfg.GatewayAccessToken)
	if cfg.GatewayAccessToken == "" {
		return nil, errors.New("load config: GATEWAY_ACCESS_TOKEN is required")
	}
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the S3 archive settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ArchiveEnabled {
		if c.ArchiveAccessKeyID == "" || c.ArchiveSecretAccessKey == "" {
			return fmt.Errorf("invalid config: S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required when S3 archiving is enabled")
		}
		if c.ArchiveBucket == "" {
			return fmt.Errorf("invalid config: S3_BUCKET_NAME is required when S3 archiving is enabled")
		}
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.AppHost, c.AppPort)
}

// MySQLDSN returns the go-sql-driver DSN for the configured database.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func (c *Config) CacheAddr() string {
	return fmt.Sprintf("%s:%s", c.CacheHost, c.CachePort)
}

// WebhookURL is the notification URL sent with new payment preferences.
func (c *Config) WebhookURL() string {
	if c.NotificationURL != "" {
		return c.NotificationURL
	}
	base := strings.TrimRight(c.PublicDomain, "/")
	if base == "" {
		return ""
	}
	return base + "/webhooks/payments"
}
