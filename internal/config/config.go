// Package config loads orchestrator settings from YAML with ${ENV} expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Worker      WorkerConfig      `yaml:"worker"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Auth        AuthConfig        `yaml:"auth"`
	Security    SecurityConfig    `yaml:"security"`
	LogLevel    string            `yaml:"log_level"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig is optional; an empty URL selects the Postgres fallbacks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// RabbitMQConfig is optional; an empty URL keeps alerts in the log only.
type RabbitMQConfig struct {
	URL           string `yaml:"url"`
	Exchange      string `yaml:"exchange"`
	RoutingPrefix string `yaml:"routing_prefix"`
}

type MarketplaceConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TokenURL     string        `yaml:"token_url"`
	AppID        string        `yaml:"app_id"`
	CertID       string        `yaml:"cert_id"`
	DevID        string        `yaml:"dev_id"`
	RefreshToken string        `yaml:"refresh_token"`
	PageSize     int           `yaml:"page_size"`
	Timeout      time.Duration `yaml:"timeout"`
}

type GatewayConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	QuotaWaitCeiling time.Duration `yaml:"quota_wait_ceiling"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	BurstRPS         float64       `yaml:"burst_rps"`
	Quotas           []QuotaConfig `yaml:"quotas"`
}

type QuotaConfig struct {
	Category string        `yaml:"category"`
	Limit    int           `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
}

type SchedulerConfig struct {
	Enabled              *bool         `yaml:"enabled"`
	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
	JobRetention         time.Duration `yaml:"job_retention"`
	LockTTL              time.Duration `yaml:"lock_ttl"`
}

type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	DequeueTimeout int           `yaml:"dequeue_timeout"`
	JobLease       time.Duration `yaml:"job_lease"`
}

type IdempotencyConfig struct {
	TTL   time.Duration `yaml:"ttl"`
	Lease time.Duration `yaml:"lease"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type SecurityConfig struct {
	MasterKey string `yaml:"master_key"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse expands ${VAR} references, decodes the YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = time.Minute
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "marketplace.alerts"
	}
	if c.RabbitMQ.RoutingPrefix == "" {
		c.RabbitMQ.RoutingPrefix = "alerts."
	}
	if c.Marketplace.PageSize == 0 {
		c.Marketplace.PageSize = 100
	}
	if c.Marketplace.Timeout == 0 {
		c.Marketplace.Timeout = 30 * time.Second
	}
	if c.Gateway.MaxAttempts == 0 {
		c.Gateway.MaxAttempts = 4
	}
	if c.Gateway.InitialBackoff == 0 {
		c.Gateway.InitialBackoff = 500 * time.Millisecond
	}
	if c.Gateway.MaxBackoff == 0 {
		c.Gateway.MaxBackoff = 30 * time.Second
	}
	if c.Gateway.QuotaWaitCeiling == 0 {
		c.Gateway.QuotaWaitCeiling = 2 * time.Minute
	}
	if c.Gateway.CallTimeout == 0 {
		c.Gateway.CallTimeout = 30 * time.Second
	}
	if len(c.Gateway.Quotas) == 0 {
		for _, p := range domain.DefaultQuotaPolicies() {
			c.Gateway.Quotas = append(c.Gateway.Quotas, QuotaConfig{
				Category: string(p.Category),
				Limit:    p.Limit,
				Window:   p.Window,
			})
		}
	}
	if c.Scheduler.Enabled == nil {
		enabled := true
		c.Scheduler.Enabled = &enabled
	}
	if c.Scheduler.ReconcileInterval == 0 {
		c.Scheduler.ReconcileInterval = 15 * time.Minute
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 30 * time.Second
	}
	if c.Scheduler.HousekeepingInterval == 0 {
		c.Scheduler.HousekeepingInterval = time.Hour
	}
	if c.Scheduler.JobRetention == 0 {
		c.Scheduler.JobRetention = 7 * 24 * time.Hour
	}
	if c.Scheduler.LockTTL == 0 {
		c.Scheduler.LockTTL = 60 * time.Second
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.DequeueTimeout == 0 {
		c.Worker.DequeueTimeout = 5
	}
	if c.Worker.JobLease == 0 {
		c.Worker.JobLease = 2 * time.Minute
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.Lease == 0 {
		c.Idempotency.Lease = 2 * time.Minute
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the fields every run mode needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Marketplace.BaseURL == "" {
		errs = append(errs, errors.New("marketplace.base_url is required"))
	}
	if c.Marketplace.TokenURL == "" {
		errs = append(errs, errors.New("marketplace.token_url is required"))
	}
	if c.Marketplace.AppID == "" || c.Marketplace.CertID == "" {
		errs = append(errs, errors.New("marketplace.app_id and marketplace.cert_id are required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if len(c.Security.MasterKey) < 16 {
		errs = append(errs, errors.New("security.master_key must be at least 16 characters"))
	}
	if _, err := c.QuotaPolicies(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// QuotaPolicies converts the configured quotas into domain policies.
func (c *Config) QuotaPolicies() ([]domain.QuotaPolicy, error) {
	policies := make([]domain.QuotaPolicy, 0, len(c.Gateway.Quotas))
	for _, q := range c.Gateway.Quotas {
		category := domain.EndpointCategory(q.Category)
		switch category {
		case domain.CategoryListingsRead, domain.CategoryListingsWrite, domain.CategoryOrders:
		default:
			return nil, fmt.Errorf("gateway.quotas: unknown category %q", q.Category)
		}
		if q.Limit <= 0 || q.Window <= 0 {
			return nil, fmt.Errorf("gateway.quotas: %s needs a positive limit and window", q.Category)
		}
		policies = append(policies, domain.QuotaPolicy{Category: category, Limit: q.Limit, Window: q.Window})
	}
	return policies, nil
}

// SchedulerEnabled reports whether this process runs the reconciliation scheduler.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// Credentials returns the marketplace application credentials.
func (c *Config) Credentials() domain.MarketplaceCredentials {
	return domain.MarketplaceCredentials{
		AppID:        c.Marketplace.AppID,
		CertID:       c.Marketplace.CertID,
		DevID:        c.Marketplace.DevID,
		RefreshToken: c.Marketplace.RefreshToken,
	}
}
