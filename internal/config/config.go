// Package config loads process configuration from the environment and the
// optional provider catalog file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	HTTP       HTTPConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Logging    LoggingConfig
	Workers    WorkerConfig
	Janitor    JanitorConfig
	OpenAI     OpenAIConfig
	Horde      HordeConfig
	Modal      ModalConfig
	Azure      AzureConfig
	Expo       ExpoConfig
	Moderation ModerationConfig

	// PublicBaseURL is the externally reachable origin of this service. It
	// prefixes webhook callback URLs.
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	ProvidersFile string `env:"PROVIDERS_FILE"`
}

type HTTPConfig struct {
	Addr           string        `env:"HTTP_ADDR,default=:8080"`
	ReadTimeout    time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout   time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s"`
	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS,default=1"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST,default=5"`
	// CORSOrigins is a semicolon separated list.
	CORSOrigins  []string `env:"CORS_ALLOWED_ORIGINS"`
	AuditLogPath string   `env:"AUDIT_LOG_PATH"`
}

type DatabaseConfig struct {
	Driver       string `env:"DATABASE_DRIVER,default=sqlite"`
	URL          string `env:"DATABASE_URL,default=file:inkframe.db?_pragma=busy_timeout(5000)"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS,default=5"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

type AuthConfig struct {
	JWTSecret     string `env:"JWT_SECRET"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
	Output string `env:"LOG_OUTPUT,default=stdout"`
}

type WorkerConfig struct {
	Count      int           `env:"WORKER_COUNT,default=8"`
	QueueSize  int           `env:"QUEUE_SIZE,default=64"`
	JobTimeout time.Duration `env:"JOB_TIMEOUT,default=15m"`
}

type JanitorConfig struct {
	Schedule   string        `env:"JANITOR_SCHEDULE,default=@every 10m"`
	StaleAfter time.Duration `env:"STALE_AFTER,default=10m"`
}

type OpenAIConfig struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	BaseURL string `env:"OPENAI_BASE_URL"`
}

type HordeConfig struct {
	APIKey  string        `env:"HORDE_API_KEY"`
	BaseURL string        `env:"HORDE_BASE_URL"`
	Budget  time.Duration `env:"HORDE_POLL_BUDGET,default=600s"`
}

type ModalConfig struct {
	Endpoint string `env:"MODAL_ENDPOINT"`
	Token    string `env:"MODAL_TOKEN"`
}

type AzureConfig struct {
	TenantID     string `env:"AZURE_TENANT_ID"`
	ClientID     string `env:"AZURE_CLIENT_ID"`
	ClientSecret string `env:"AZURE_CLIENT_SECRET"`
	Account      string `env:"AZURE_STORAGE_ACCOUNT"`
	Container    string `env:"AZURE_STORAGE_CONTAINER,default=media"`
	PublicURL    string `env:"AZURE_BLOB_PUBLIC_URL"`
}

// Enabled reports whether enough is set to use Azure blob storage.
func (a AzureConfig) Enabled() bool {
	return a.Account != "" && a.TenantID != "" && a.ClientID != "" && a.ClientSecret != ""
}

type ExpoConfig struct {
	AccessToken string `env:"EXPO_ACCESS_TOKEN"`
	Enabled     bool   `env:"PUSH_ENABLED,default=true"`
}

type ModerationConfig struct {
	Enabled bool   `env:"MODERATION_ENABLED,default=true"`
	Model   string `env:"MODERATION_MODEL"`
}

// Load reads an optional .env file and decodes the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv decodes the current environment without touching .env files.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "postgresql" {
		c.Database.Driver = "postgres"
	}
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
	origins := c.HTTP.CORSOrigins[:0]
	for _, o := range c.HTTP.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.HTTP.CORSOrigins = origins
}

// Validate reports settings that would make the service unusable.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Workers.Count <= 0 || c.Workers.QueueSize <= 0 {
		errs = append(errs, errors.New("WORKER_COUNT and QUEUE_SIZE must be positive"))
	}
	if c.Janitor.StaleAfter <= 0 {
		errs = append(errs, errors.New("STALE_AFTER must be positive"))
	}
	if c.Modal.Endpoint != "" && c.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required when MODAL_ENDPOINT is set"))
	}
	return errors.Join(errs...)
}
