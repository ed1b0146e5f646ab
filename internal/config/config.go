// Package config loads process configuration from a YAML file and
// SPECQUOTA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mihaimyh/specquota/pkg/billing"
)

// EnvPrefix prefixes every environment override, e.g. SPECQUOTA_BILLING_API_KEY.
const EnvPrefix = "SPECQUOTA"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Credits CreditsConfig `mapstructure:"credits"`
	Billing BillingConfig `mapstructure:"billing"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	// Level is a zerolog level name: debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is json or console.
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	// Driver is memory, firestore or postgres.
	Driver    string          `mapstructure:"driver"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
}

type FirestoreConfig struct {
	ProjectID string `mapstructure:"project_id"`
	// CollectionPrefix is prepended to every collection name.
	CollectionPrefix string `mapstructure:"collection_prefix"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	// Migrate applies the schema on startup.
	Migrate bool `mapstructure:"migrate"`
}

type CacheConfig struct {
	// Driver is memory or redis.
	Driver     string        `mapstructure:"driver"`
	MaxEntries int           `mapstructure:"max_entries"`
	CatalogTTL time.Duration `mapstructure:"catalog_ttl"`
	Redis      RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type CreditsConfig struct {
	FreeTrialAllowance int `mapstructure:"free_trial_allowance"`
	MaxSpecsPerUser    int `mapstructure:"max_specs_per_user"`
}

type BillingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Mode is test or live.
	Mode              string  `mapstructure:"mode"`
	APIKey            string  `mapstructure:"api_key"`
	WebhookSecret     string  `mapstructure:"webhook_secret"`
	StoreID           string  `mapstructure:"store_id"`
	APIBaseURL        string  `mapstructure:"api_base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	WebhookRateLimit  int     `mapstructure:"webhook_rate_limit"`
	TrustForwardedFor bool    `mapstructure:"trust_forwarded_for"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// CatalogSource is config (Products below) or firestore (the
	// settings/lemon_products document).
	CatalogSource string            `mapstructure:"catalog_source"`
	Products      []billing.Product `mapstructure:"products"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type AuthConfig struct {
	Secret       string `mapstructure:"secret"`
	PublicKeyPEM string `mapstructure:"public_key_pem"`
	Issuer       string `mapstructure:"issuer"`
	Audience     string `mapstructure:"audience"`
	DevHeaders   bool   `mapstructure:"dev_headers"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.firestore.project_id", "")
	v.SetDefault("store.firestore.collection_prefix", "")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.migrate", false)

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.max_entries", 1024)
	v.SetDefault("cache.catalog_ttl", 5*time.Minute)
	v.SetDefault("cache.redis.addr", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.key_prefix", "specquota:")

	v.SetDefault("credits.free_trial_allowance", 1)
	v.SetDefault("credits.max_specs_per_user", 1)

	v.SetDefault("billing.enabled", true)
	v.SetDefault("billing.mode", "test")
	v.SetDefault("billing.api_key", "")
	v.SetDefault("billing.webhook_secret", "")
	v.SetDefault("billing.store_id", "")
	v.SetDefault("billing.api_base_url", "")
	v.SetDefault("billing.requests_per_second", 1.0)
	v.SetDefault("billing.webhook_rate_limit", 100)
	v.SetDefault("billing.trust_forwarded_for", false)
	v.SetDefault("billing.circuit_breaker.enabled", true)
	v.SetDefault("billing.circuit_breaker.failure_threshold", 5)
	v.SetDefault("billing.circuit_breaker.reset_timeout", 30*time.Second)
	v.SetDefault("billing.catalog_source", "config")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.public_key_pem", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.dev_headers", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "specquota")
}

// Load reads path (if non-empty) or specquota.yaml from the working
// directory or /etc/specquota, then applies environment overrides. A missing
// default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("specquota")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/specquota")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}

	switch c.Store.Driver {
	case "memory":
	case "firestore":
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("store.firestore.project_id is required for the firestore driver")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown cache.driver %q", c.Cache.Driver)
	}

	if c.Billing.Enabled {
		if _, err := billing.ParseMode(c.Billing.Mode); err != nil {
			return err
		}
		switch c.Billing.CatalogSource {
		case "config":
			if _, err := billing.NewCatalog(c.Billing.Products); err != nil {
				return fmt.Errorf("billing.products: %w", err)
			}
		case "firestore":
			if c.Store.Driver != "firestore" {
				return fmt.Errorf("billing.catalog_source firestore needs store.driver firestore")
			}
		default:
			return fmt.Errorf("unknown billing.catalog_source %q", c.Billing.CatalogSource)
		}
	}

	if c.Auth.Secret == "" && c.Auth.PublicKeyPEM == "" && !c.Auth.DevHeaders {
		return fmt.Errorf("auth.secret or auth.public_key_pem is required")
	}
	return nil
}
