package utils

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "30s"/"1h" style YAML values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PostgresConfig holds connection settings for the API key store. Host may
// alternatively carry a full postgres:// DSN.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Config is the full service configuration, loaded from YAML.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
		Level      string `yaml:"level"`
	} `yaml:"logger"`

	Cache struct {
		RedisHost           string `yaml:"redis_host"`
		SessionCacheDB      int    `yaml:"session_cache_db"`
		RateLimitDB         int    `yaml:"rate_limit_db"`
		SessionCacheEnabled bool   `yaml:"session_cache_enabled"`
	} `yaml:"cache"`

	Auth struct {
		Postgres PostgresConfig `yaml:"postgres"`
		// Method selects the upstream login flow: mixed, legacy or swissid.
		Method string `yaml:"method"`
	} `yaml:"auth"`

	RateLimiter struct {
		Interval          Duration `yaml:"interval"`
		UserLimit         int      `yaml:"user_limit"`
		EnableUserLimiter bool     `yaml:"enable_user_limiter"`
	} `yaml:"rate_limiter"`

	Upstream struct {
		APIHost         string `yaml:"api_host"`
		TimeoutSecs     int    `yaml:"timeout_secs"`
		MaxPictureBytes int    `yaml:"max_picture_bytes"`
		ImageExport     bool   `yaml:"image_export"`
		TraceDir        string `yaml:"trace_dir"`
	} `yaml:"upstream"`
}

// AppConfig holds the last loaded configuration. Tests mutate it directly.
var AppConfig Config

func defaultConfig() Config {
	var cfg Config
	cfg.Server.Host = ""
	cfg.Server.Port = ":8000"
	cfg.Logger.Level = "info"
	cfg.Logger.MaxSizeMB = 50
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAgeDays = 14
	cfg.Cache.RedisHost = "localhost:6379"
	cfg.Cache.SessionCacheDB = 0
	cfg.Cache.RateLimitDB = 1
	cfg.Cache.SessionCacheEnabled = true
	cfg.Auth.Method = "mixed"
	cfg.RateLimiter.Interval = Duration(time.Minute)
	cfg.Upstream.TimeoutSecs = 60
	cfg.Upstream.MaxPictureBytes = 10 << 20
	cfg.Upstream.TraceDir = ".postcard_creator_wrapper_sent"
	return cfg
}

func validateConfig(cfg Config) error {
	switch cfg.Auth.Method {
	case "mixed", "legacy", "swissid":
	default:
		return fmt.Errorf("invalid auth method %q", cfg.Auth.Method)
	}
	if cfg.RateLimiter.Interval <= 0 {
		return fmt.Errorf("rate limiter interval must be positive")
	}
	if cfg.RateLimiter.UserLimit < 0 {
		return fmt.Errorf("user_limit must not be negative")
	}
	if cfg.Upstream.TimeoutSecs <= 0 {
		return fmt.Errorf("upstream timeout_secs must be positive")
	}
	if cfg.Upstream.MaxPictureBytes <= 0 {
		return fmt.Errorf("max_picture_bytes must be positive")
	}
	return nil
}

// LoadFrom reads and validates the configuration at the given path. It
// panics on unreadable files or invalid values: the service cannot run
// with a broken configuration.
func LoadFrom(path string) Config {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("cannot read config %s: %v", path, err))
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		panic(fmt.Sprintf("cannot parse config %s: %v", path, err))
	}
	if err := validateConfig(cfg); err != nil {
		panic(fmt.Sprintf("invalid config %s: %v", path, err))
	}
	AppConfig = cfg
	return cfg
}

// LoadConfig loads the configuration from CONFIG_PATH, falling back to
// ./config.yaml. A missing file yields the defaults.
func LoadConfig() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		AppConfig = cfg
		return cfg
	}
	return LoadFrom(path)
}

// GetConfig returns the last loaded configuration.
func GetConfig() Config {
	return AppConfig
}
