// Package config loads and validates the daemon configuration from YAML,
// with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	TLS        TLSConfig        `yaml:"tls"`
	CORS       CORSConfig       `yaml:"cors"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Bus        BusConfig        `yaml:"bus"`
	Hub        HubConfig        `yaml:"hub"`
	Operations OperationsConfig `yaml:"operations"`
	Feeds      []FeedConfig     `yaml:"feeds"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

type DatabaseConfig struct {
	Enabled                bool   `yaml:"enabled"`
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	User                   string `yaml:"user"`
	Password               string `yaml:"password"`
	DBName                 string `yaml:"dbname"`
	SSLMode                string `yaml:"ssl_mode"`
	MaxConns               int    `yaml:"max_conns"`
	MinConns               int    `yaml:"min_conns"`
	MaxConnLifetimeMinutes int    `yaml:"max_conn_lifetime_minutes"`
}

type AuthConfig struct {
	AdminUsername  string `yaml:"admin_username"`
	AdminPassword  string `yaml:"admin_password"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`
}

type BusConfig struct {
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`
	IngressQueueSize    int `yaml:"ingress_queue_size"`
}

type HubConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	IdleTTLMS      int `yaml:"idle_ttl_ms"`
}

type OperationsConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

type FeedConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SESSIOND_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("SESSIOND_ADMIN_PASSWORD"); v != "" {
		c.Auth.AdminPassword = v
	}
	if v := os.Getenv("SESSIOND_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("SESSIOND_DB_HOST"); v != "" {
		c.Database.Host = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 15000
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Bus.SubscriberQueueSize == 0 {
		c.Bus.SubscriberQueueSize = 64
	}
	if c.Bus.IngressQueueSize == 0 {
		c.Bus.IngressQueueSize = 256
	}
	if c.Hub.PollIntervalMS == 0 {
		c.Hub.PollIntervalMS = 1000
	}
	if c.Hub.IdleTTLMS == 0 {
		c.Hub.IdleTTLMS = 30000
	}
	if c.Operations.TTLSeconds == 0 {
		c.Operations.TTLSeconds = 1800
	}
	if c.Auth.JWTExpiryHours == 0 {
		c.Auth.JWTExpiryHours = 24
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate checks the configuration for values that would fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set SESSIOND_JWT_SECRET)")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Auth.AdminUsername == "" || c.Auth.AdminPassword == "" {
		return fmt.Errorf("auth.admin_username and auth.admin_password are required")
	}
	if c.Database.Enabled {
		if c.Database.Host == "" || c.Database.DBName == "" {
			return fmt.Errorf("database.host and database.dbname are required when database.enabled is true")
		}
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when tls.enabled is true")
		}
	}
	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of %v, got %q", validLevels, c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	for _, f := range c.Feeds {
		if f.Name == "" || f.URL == "" {
			return fmt.Errorf("feeds entries require both name and url")
		}
		if !strings.HasPrefix(f.URL, "ws://") && !strings.HasPrefix(f.URL, "wss://") {
			return fmt.Errorf("feed %q url must be a ws:// or wss:// address", f.Name)
		}
	}
	return nil
}

// GetDSN builds a Postgres connection string for the binding store.
func (d DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (h HubConfig) GetPollInterval() time.Duration {
	return time.Duration(h.PollIntervalMS) * time.Millisecond
}

func (h HubConfig) GetIdleTTL() time.Duration {
	return time.Duration(h.IdleTTLMS) * time.Millisecond
}

func (o OperationsConfig) GetTTL() time.Duration {
	return time.Duration(o.TTLSeconds) * time.Second
}

func (a AuthConfig) GetJWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

func (d DatabaseConfig) GetMaxConnLifetime() time.Duration {
	return time.Duration(d.MaxConnLifetimeMinutes) * time.Minute
}
