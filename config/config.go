// Package config loads server configuration.
//
// Precedence: environment (SCHED_*) > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"db"`
	Log         LogConfig         `mapstructure:"log"`
	Redis       RedisConfig       `mapstructure:"redis"`
	PolicyCache PolicyCacheConfig `mapstructure:"policy_cache"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Detector    DetectorConfig    `mapstructure:"detector"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DatabaseConfig selects the store. ":memory:" runs on the in-process store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PolicyCacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type AuditConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ReplayLockTTL  time.Duration `mapstructure:"replay_lock_ttl"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
}

type DetectorConfig struct {
	OverlapGrace time.Duration `mapstructure:"overlap_grace"`
	WeekStart    string        `mapstructure:"week_start"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// WeekStartDay parses WeekStart ("monday", "Sunday", ...).
func (c DetectorConfig) WeekStartDay() (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(c.WeekStart))]
	if !ok {
		return 0, fmt.Errorf("detector.week_start: unknown weekday %q", c.WeekStart)
	}
	return d, nil
}

// Load reads configuration from path (or ./config.yaml, ./config/config.yaml
// when path is empty), environment and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors.allow_origins", []string{"*"})

	v.SetDefault("db.path", "./data/schedule.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("policy_cache.ttl", "5m")

	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.max_attempts", 5)
	v.SetDefault("audit.initial_backoff", "200ms")
	v.SetDefault("audit.max_backoff", "10s")
	v.SetDefault("audit.replay_lock_ttl", "30s")
	v.SetDefault("audit.replay_interval", "1m")

	v.SetDefault("detector.overlap_grace", "0s")
	v.SetDefault("detector.week_start", "monday")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// no file: defaults and environment only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configuration the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be within 1-65535, got %d", c.Server.Port))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("db.path must not be empty"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis.enabled"))
	}
	if c.PolicyCache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("policy_cache.ttl must be positive, got %s", c.PolicyCache.TTL))
	}
	if c.Audit.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("audit.queue_size must be positive, got %d", c.Audit.QueueSize))
	}
	if c.Audit.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("audit.max_attempts must be positive, got %d", c.Audit.MaxAttempts))
	}
	if c.Audit.InitialBackoff <= 0 || c.Audit.MaxBackoff < c.Audit.InitialBackoff {
		errs = append(errs, errors.New("audit backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if c.Detector.OverlapGrace < 0 {
		errs = append(errs, errors.New("detector.overlap_grace must not be negative"))
	}
	if _, err := c.Detector.WeekStartDay(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
