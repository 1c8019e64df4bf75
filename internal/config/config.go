// Package config loads server settings from defaults, an optional YAML file and OFFLINE_* env vars.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/identity"
)

// EnvPrefix prefixes every environment override, e.g. OFFLINE_DATABASE_DSN.
const EnvPrefix = "OFFLINE"

type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Identity Identity `mapstructure:"identity"`
	Quota    Quota    `mapstructure:"quota"`
	Expiry   Expiry   `mapstructure:"expiry"`
	Notify   Notify   `mapstructure:"notify"`
	Log      Log      `mapstructure:"log"`
}

type Server struct {
	Addr        string        `mapstructure:"addr"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	TLSCert     string        `mapstructure:"tls_cert"`
	TLSKey      string        `mapstructure:"tls_key"`
	Reflection  bool          `mapstructure:"reflection"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	// AdminKey is the HS256 key for admin bearer tokens; empty disables auth.
	AdminKey    string        `mapstructure:"admin_key"`
}

type Database struct {
	// DSN selects the postgres engine; empty runs on the in-memory engine.
	DSN            string `mapstructure:"dsn"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
	BatchSize      int    `mapstructure:"batch_size"`
	// MaxConns caps the pool; zero keeps the pgx default.
	MaxConns int32 `mapstructure:"max_conns"`
}

type Identity struct {
	Algorithm string `mapstructure:"algorithm"`
	Rule      string `mapstructure:"rule"`
}

type Quota struct {
	// Default is the per-pair limit; negative means unlimited.
	Default int  `mapstructure:"default"`
	Strict  bool `mapstructure:"strict"`
}

type Expiry struct {
	MaxSize       int           `mapstructure:"max_size"`
	LoadFactor    int           `mapstructure:"load_factor"`
	DriftFactor   int           `mapstructure:"drift_factor"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	TakenTTL      time.Duration `mapstructure:"taken_ttl"`
	RetryAttempts uint64        `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepGrace    time.Duration `mapstructure:"sweep_grace"`
	Reaper        bool          `mapstructure:"reaper"`
}

type Notify struct {
	// NatsURL enables NATS publishing; empty logs expiry events instead.
	NatsURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type Log struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8443")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.reflection", false)
	v.SetDefault("server.stop_timeout", 5*time.Second)
	v.SetDefault("server.admin_key", "")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("database.batch_size", 100)
	v.SetDefault("database.max_conns", 0)

	v.SetDefault("identity.algorithm", identity.AlgSHA256)
	v.SetDefault("identity.rule", string(identity.RuleLower))

	v.SetDefault("quota.default", 100)
	v.SetDefault("quota.strict", false)

	v.SetDefault("expiry.max_size", 100)
	v.SetDefault("expiry.load_factor", 10)
	v.SetDefault("expiry.drift_factor", 100)
	v.SetDefault("expiry.poll_interval", 5*time.Second)
	v.SetDefault("expiry.taken_ttl", 5*time.Minute)
	v.SetDefault("expiry.retry_attempts", 3)
	v.SetDefault("expiry.retry_base", 50*time.Millisecond)
	v.SetDefault("expiry.sweep_interval", time.Minute)
	v.SetDefault("expiry.sweep_grace", time.Hour)
	v.SetDefault("expiry.reaper", true)

	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.subject", "offline.expired")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
}

// Load reads defaults, then path (when non-empty), then the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if errors.As(err, &nf) {
				return nil, fmt.Errorf("%w: config file %s not found", errs.ErrConfiguration, path)
			}
			return nil, fmt.Errorf("%w: read config: %w", errs.ErrConfiguration, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %w", errs.ErrConfiguration, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var problems []error
	if _, err := identity.NewHasher(c.Identity.Algorithm, identity.RuleLower); err != nil {
		problems = append(problems, err)
	}
	if _, err := identity.ParseRule(c.Identity.Rule); err != nil {
		problems = append(problems, err)
	}
	if c.Database.MaxConns < 0 {
		problems = append(problems, errors.New("database.max_conns must not be negative"))
	}
	if c.Database.BatchSize <= 0 {
		problems = append(problems, errors.New("database.batch_size must be positive"))
	}
	if c.Expiry.MaxSize <= 0 || c.Expiry.LoadFactor <= 0 || c.Expiry.DriftFactor <= 0 {
		problems = append(problems, errors.New("expiry sizes must be positive"))
	}
	if c.Expiry.DriftFactor < c.Expiry.LoadFactor {
		problems = append(problems, errors.New("expiry.drift_factor must be at least expiry.load_factor"))
	}
	if c.Expiry.PollInterval <= 0 {
		problems = append(problems, errors.New("expiry.poll_interval must be positive"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		problems = append(problems, errors.New("server.tls_cert and server.tls_key go together"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", errs.ErrConfiguration, errors.Join(problems...))
	}
	return nil
}
