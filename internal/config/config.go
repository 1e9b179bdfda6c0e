// Package config loads the server configuration.
//
// Sources are applied in order, later ones win: built-in defaults, an
// optional YAML file and OPENX_ prefixed environment variables. Nested keys
// use a double underscore in the environment, OPENX_SERVER__BIND sets
// server.bind while OPENX_TRUSTED_PROXIES sets trusted_proxies.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "OPENX_"

type (
	Config struct {
		Server         Server    `koanf:"server" json:"server"`
		DB             DB        `koanf:"db" json:"db"`
		Hash           Hash      `koanf:"hash" json:"hash"`
		Session        Session   `koanf:"session" json:"session"`
		Cookie         Cookie    `koanf:"cookie" json:"cookie"`
		Auth           Auth      `koanf:"auth" json:"auth"`
		RateLimit      RateLimit `koanf:"ratelimit" json:"ratelimit"`
		TrustedProxies string    `koanf:"trusted_proxies" json:"trusted_proxies"`
		Log            Log       `koanf:"log" json:"log"`
	}

	Server struct {
		Bind              string        `koanf:"bind" json:"bind"`
		ReadTimeout       time.Duration `koanf:"read_timeout" json:"read_timeout"`
		ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" json:"read_header_timeout"`
		WriteTimeout      time.Duration `koanf:"write_timeout" json:"write_timeout"`
		IdleTimeout       time.Duration `koanf:"idle_timeout" json:"idle_timeout"`
		ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`
	}

	DB struct {
		Driver string `koanf:"driver" json:"driver"`
		DSN    string `koanf:"dsn" json:"-"`
	}

	Hash struct {
		Algorithm  string `koanf:"algorithm" json:"algorithm"`
		BcryptCost int    `koanf:"bcrypt_cost" json:"bcrypt_cost"`
	}

	Session struct {
		TTL      time.Duration `koanf:"ttl" json:"ttl"`
		CacheTTL time.Duration `koanf:"cache_ttl" json:"cache_ttl"`
	}

	Cookie struct {
		Secure bool `koanf:"secure" json:"secure"`
	}

	Auth struct {
		RotateRecoveryKey bool `koanf:"rotate_recovery_key" json:"rotate_recovery_key"`
	}

	RateLimit struct {
		Requests  int           `koanf:"requests" json:"requests"`
		Window    time.Duration `koanf:"window" json:"window"`
		RedisAddr string        `koanf:"redis_addr" json:"redis_addr"`
	}

	Log struct {
		Level  string `koanf:"level" json:"level"`
		Pretty bool   `koanf:"pretty" json:"pretty"`
	}
)

func Default() Config {
	return Config{
		Server: Server{
			Bind:              "localhost:8000",
			ReadTimeout:       time.Minute,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      time.Minute,
			IdleTimeout:       5 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
		DB: DB{
			Driver: "sqlite3",
			DSN:    ".data/openx.db",
		},
		Hash: Hash{
			Algorithm:  "bcrypt",
			BcryptCost: 12,
		},
		Session: Session{
			TTL:      24 * time.Hour,
			CacheTTL: time.Minute,
		},
		Auth: Auth{
			RotateRecoveryKey: true,
		},
		RateLimit: RateLimit{
			Requests: 60,
			Window:   time.Minute,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load returns the defaults overridden by the YAML file at path (if not
// empty) and by the environment.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		if err != nil {
			return Config{}, fmt.Errorf("unable to load config file %v, cause %w", path, err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil)
	if err != nil {
		return Config{}, fmt.Errorf("unable to load config from environment, cause %w", err)
	}
	cfg := Default()
	err = k.Unmarshal("", &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("unable to decode config, cause %w", err)
	}
	return cfg, cfg.Validate()
}

func envKey(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	return strings.ReplaceAll(name, "__", ".")
}

func (c Config) Validate() error {
	var errs []string
	if c.Server.Bind == "" {
		errs = append(errs, "server.bind is required")
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if c.Session.CacheTTL < 0 {
		errs = append(errs, "session.cache_ttl cannot be negative")
	}
	if c.RateLimit.Requests <= 0 {
		errs = append(errs, "ratelimit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, "ratelimit.window must be positive")
	}
	if len(errs) > 0 {
		return errors.New("invalid configuration: " + strings.Join(errs, "; "))
	}
	return nil
}
