// Package config loads service settings from an optional YAML file and GATEKEEP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "GATEKEEP"

// Store and denylist drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the full service configuration.
type Config struct {
	HTTP      *HTTP
	GRPC      *GRPC
	Store     *Store
	Postgres  *Postgres
	Denylist  *Denylist
	Redis     *Redis
	Auth      *Auth
	Log       *Log
	RateLimit *RateLimit
}

type HTTP struct {
	Addr string
	// TrustedProxies are CIDRs or addresses whose X-Forwarded-For header is believed.
	TrustedProxies []string
}

type GRPC struct {
	Addr string
}

type Store struct {
	Driver string
}

type Postgres struct {
	DSN          string
	MaxOpenConns int
}

type Denylist struct {
	Driver   string
	Capacity int
}

type Redis struct {
	URL       string
	OpTimeout time.Duration
}

type Auth struct {
	Secret         string
	Issuer         string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	BcryptCost     int
	RevokeOnChange bool
}

type Log struct {
	Level  string
	Format string
}

type RateLimit struct {
	Burst     int
	PerSecond float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trusted_proxies", []string{})
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("denylist.driver", DriverMemory)
	v.SetDefault("denylist.capacity", 100000)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.op_timeout", 2*time.Second)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "gatekeep")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 336*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("auth.revoke_on_change", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.per_second", 10.0)
}

// Load reads configPath (optional) and applies environment overrides such as
// GATEKEEP_AUTH_SECRET for auth.secret. The result is validated.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		HTTP:      getHTTPConfig(v),
		GRPC:      &GRPC{Addr: v.GetString("grpc.addr")},
		Store:     &Store{Driver: strings.ToLower(v.GetString("store.driver"))},
		Postgres:  getPostgresConfig(v),
		Denylist:  getDenylistConfig(v),
		Redis:     getRedisConfig(v),
		Auth:      getAuthConfig(v),
		Log:       &Log{Level: v.GetString("log.level"), Format: v.GetString("log.format")},
		RateLimit: &RateLimit{Burst: v.GetInt("ratelimit.burst"), PerSecond: v.GetFloat64("ratelimit.per_second")},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getHTTPConfig(v *viper.Viper) *HTTP {
	var proxies []string
	for _, item := range v.GetStringSlice("http.trusted_proxies") {
		for _, p := range strings.Split(item, ",") {
			if p = strings.TrimSpace(p); p != "" {
				proxies = append(proxies, p)
			}
		}
	}
	return &HTTP{Addr: v.GetString("http.addr"), TrustedProxies: proxies}
}

func getPostgresConfig(v *viper.Viper) *Postgres {
	return &Postgres{
		DSN:          v.GetString("postgres.dsn"),
		MaxOpenConns: v.GetInt("postgres.max_open_conns"),
	}
}

func getDenylistConfig(v *viper.Viper) *Denylist {
	return &Denylist{
		Driver:   strings.ToLower(v.GetString("denylist.driver")),
		Capacity: v.GetInt("denylist.capacity"),
	}
}

func getRedisConfig(v *viper.Viper) *Redis {
	return &Redis{
		URL:       v.GetString("redis.url"),
		OpTimeout: v.GetDuration("redis.op_timeout"),
	}
}

func getAuthConfig(v *viper.Viper) *Auth {
	return &Auth{
		Secret:         strings.TrimSpace(v.GetString("auth.secret")),
		Issuer:         v.GetString("auth.issuer"),
		AccessTTL:      v.GetDuration("auth.access_ttl"),
		RefreshTTL:     v.GetDuration("auth.refresh_ttl"),
		BcryptCost:     v.GetInt("auth.bcrypt_cost"),
		RevokeOnChange: v.GetBool("auth.revoke_on_change"),
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Auth.AccessTTL <= 0 {
		errs = append(errs, errors.New("auth.access_ttl must be positive"))
	}
	if c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth.refresh_ttl must be positive"))
	} else if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = append(errs, errors.New("auth.refresh_ttl must exceed auth.access_ttl"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, errors.New("postgres.dsn is required for the postgres store driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Denylist.Driver {
	case DriverMemory, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown denylist.driver %q", c.Denylist.Driver))
	}
	if c.Redis.OpTimeout <= 0 {
		errs = append(errs, errors.New("redis.op_timeout must be positive"))
	}
	return errors.Join(errs...)
}
