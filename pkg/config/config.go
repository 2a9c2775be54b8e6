// Package config loads coopd settings from an optional YAML file and COOP_
// environment variables, on top of Default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mcclellann/coopledger/pkg/auth"
	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/resilience"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/mcclellann/coopledger/pkg/tenancy"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. COOP_HTTP_ADDRESS.
const EnvPrefix = "COOP"

type Config struct {
	HTTP     HTTPConfig           `mapstructure:"http"`
	Log      logging.Config       `mapstructure:"log"`
	Database DatabaseConfig       `mapstructure:"database"`
	Tenants  []tenancy.Tenant     `mapstructure:"tenants"`
	Auth     auth.Config          `mapstructure:"auth"`
	Gateways GatewaysConfig       `mapstructure:"gateways"`
	Redis    payments.RedisConfig `mapstructure:"redis"`
	Metrics  MetricsConfig        `mapstructure:"metrics"`
	Jobs     JobsConfig           `mapstructure:"jobs"`
}

type HTTPConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects where tenant data lives. DSN is a template; {tenant}
// is replaced with the tenant slug.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// GatewaysConfig configures the card gateways. A gateway is enabled when its
// secret key is set.
type GatewaysConfig struct {
	Card        string                  `mapstructure:"card"` // Gateway used for card payments
	CallbackURL string                  `mapstructure:"callback_url"`
	EventTTL    time.Duration           `mapstructure:"event_ttl"` // How long webhook event ids are remembered
	Paystack    payments.PaystackConfig `mapstructure:"paystack"`
	Stripe      payments.StripeConfig   `mapstructure:"stripe"`
	Remita      payments.RemitaConfig   `mapstructure:"remita"`
	Breaker     resilience.Config       `mapstructure:"breaker"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type JobsConfig struct {
	// ChargeInterval is how often pending statutory charges that fell due are
	// activated. Zero disables the job.
	ChargeInterval time.Duration `mapstructure:"charge_interval"`
}

// Default returns a configuration that serves a single SQLite-backed tenant
// with no card gateway. It still needs an auth secret.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Log: logging.DefaultConfig(),
		Database: DatabaseConfig{
			Driver: store.DriverSQLite,
			DSN:    "coop_{tenant}.db",
		},
		Tenants: []tenancy.Tenant{{Slug: "default", Name: "Default Cooperative", Currency: "NGN"}},
		Auth: auth.Config{
			Issuer: "coopledger",
			TTL:    time.Hour,
		},
		Gateways: GatewaysConfig{
			EventTTL: 72 * time.Hour,
			Breaker:  resilience.DefaultConfig(),
		},
		Redis: payments.RedisConfig{
			KeyPrefix:   "coop:idem:",
			DialTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Namespace: "coopledger"},
		Jobs:    JobsConfig{ChargeInterval: time.Hour},
	}
}

// Load reads path (when not empty) and the environment over Default. The
// result is not validated; commands that serve traffic call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// A configured tenant list replaces the default tenant instead of being
	// merged into it.
	if v.IsSet("tenants") {
		cfg.Tenants = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every scalar key so environment variables can
// override keys the config file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.address", d.HTTP.Address)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.ttl", d.Auth.TTL)

	g := d.Gateways
	v.SetDefault("gateways.card", g.Card)
	v.SetDefault("gateways.callback_url", g.CallbackURL)
	v.SetDefault("gateways.event_ttl", g.EventTTL)
	v.SetDefault("gateways.paystack.base_url", g.Paystack.BaseURL)
	v.SetDefault("gateways.paystack.secret_key", g.Paystack.SecretKey)
	v.SetDefault("gateways.stripe.base_url", g.Stripe.BaseURL)
	v.SetDefault("gateways.stripe.secret_key", g.Stripe.SecretKey)
	v.SetDefault("gateways.stripe.webhook_secret", g.Stripe.WebhookSecret)
	v.SetDefault("gateways.stripe.success_url", g.Stripe.SuccessURL)
	v.SetDefault("gateways.stripe.cancel_url", g.Stripe.CancelURL)
	v.SetDefault("gateways.remita.base_url", g.Remita.BaseURL)
	v.SetDefault("gateways.remita.merchant_id", g.Remita.MerchantID)
	v.SetDefault("gateways.remita.service_type_id", g.Remita.ServiceTypeID)
	v.SetDefault("gateways.remita.api_key", g.Remita.APIKey)
	v.SetDefault("gateways.breaker.timeout", g.Breaker.Timeout)
	v.SetDefault("gateways.breaker.max_requests", g.Breaker.MaxRequests)
	v.SetDefault("gateways.breaker.interval", g.Breaker.Interval)
	v.SetDefault("gateways.breaker.open_timeout", g.Breaker.OpenTimeout)
	v.SetDefault("gateways.breaker.consecutive_failures", g.Breaker.ConsecutiveFailures)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.username", d.Redis.Username)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("jobs.charge_interval", d.Jobs.ChargeInterval)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Address == "" {
		errs = append(errs, errors.New("http.address is required"))
	}
	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %s or %s", store.DriverSQLite, store.DriverPostgres))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if len(c.Tenants) == 0 {
		errs = append(errs, errors.New("at least one tenant is required"))
	}
	if len(c.Tenants) > 1 && !strings.Contains(c.Database.DSN, "{tenant}") {
		errs = append(errs, errors.New("database.dsn must contain {tenant} when several tenants are configured"))
	}
	if len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("auth.secret must be at least 16 bytes"))
	}
	if c.Gateways.Card != "" {
		if _, ok := c.EnabledGateways()[c.Gateways.Card]; !ok {
			errs = append(errs, fmt.Errorf("gateways.card %q is not configured", c.Gateways.Card))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EnabledGateways lists the gateways that have credentials.
func (c *Config) EnabledGateways() map[string]bool {
	enabled := map[string]bool{}
	if c.Gateways.Paystack.SecretKey != "" {
		enabled[payments.PaystackName] = true
	}
	if c.Gateways.Stripe.SecretKey != "" {
		enabled[payments.StripeName] = true
	}
	if c.Gateways.Remita.APIKey != "" && c.Gateways.Remita.MerchantID != "" {
		enabled[payments.RemitaName] = true
	}
	return enabled
}
