// Package config provides Viper-based configuration loading for the gateway client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// GatewayConfig holds the immutable settings of one gateway session.
type GatewayConfig struct {
	// Token is the bot token sent in the x-bot-token header and the Authenticate frame.
	Token string `mapstructure:"token" yaml:"token"`
	// APIURL is the base REST endpoint queried for the WebSocket URL.
	APIURL string `mapstructure:"api_url" yaml:"api_url"`
	// HeartbeatInterval is the delay between consecutive pings.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	// AckTimeout bounds the wait for a pong. Zero waits forever.
	AckTimeout time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	// HandshakeTimeout bounds resolution, dial and handshake. Zero means unbounded.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DispatchConfig holds event dispatch settings.
type DispatchConfig struct {
	// Workers is the maximum number of handler invocations running at once.
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"sslmode" yaml:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// JournalConfig controls the optional session journal.
type JournalConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// ScriptingConfig controls Lua event handlers.
type ScriptingConfig struct {
	// Dir is the directory of *.lua handler scripts. Empty disables scripting.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// InstructionLimit caps the opcodes a single hook call may execute.
	InstructionLimit int `mapstructure:"instruction_limit" yaml:"instruction_limit"`
}

// RetryConfig is the caller-side restart policy for failed sessions.
type RetryConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	// MaxElapsedTime of zero retries forever.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
}

// Config is the top-level application configuration.
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	Scripting ScriptingConfig `mapstructure:"scripting" yaml:"scripting"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateGateway(c.Gateway); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, fmt.Sprintf("dispatch.workers must be >= 1, got %d", c.Dispatch.Workers))
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Sprintf("metrics.port must be 1-65535, got %d", c.Metrics.Port))
	}
	if c.Journal.Enabled {
		if err := validateDatabase(c.Journal.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Scripting.InstructionLimit < 0 {
		errs = append(errs, "scripting.instruction_limit must not be negative")
	}
	if err := validateRetry(c.Retry); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateToken reports whether a token is present. It is separate from Validate
// because the token usually arrives on the command line after loading.
func (g GatewayConfig) ValidateToken() error {
	if strings.TrimSpace(g.Token) == "" {
		return errors.New("gateway.token must not be empty")
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	u, err := url.Parse(g.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("gateway.api_url must be an absolute URL, got %q", g.APIURL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Sprintf("gateway.api_url scheme must be http or https, got %q", u.Scheme))
	}
	if g.HeartbeatInterval <= 0 {
		errs = append(errs, "gateway.heartbeat_interval must be positive")
	}
	if g.AckTimeout < 0 {
		errs = append(errs, "gateway.ack_timeout must not be negative")
	}
	if g.HandshakeTimeout < 0 {
		errs = append(errs, "gateway.handshake_timeout must not be negative")
	}
	if g.WriteTimeout < 0 {
		errs = append(errs, "gateway.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "journal.database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("journal.database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "journal.database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "journal.database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("journal.database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("journal.database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("journal.database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "journal.database.min_conns must not exceed journal.database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateRetry(r RetryConfig) error {
	if !r.Enabled {
		return nil
	}
	var errs []string
	if r.InitialInterval <= 0 {
		errs = append(errs, "retry.initial_interval must be positive")
	}
	if r.MaxInterval < r.InitialInterval {
		errs = append(errs, "retry.max_interval must not be less than retry.initial_interval")
	}
	if r.MaxElapsedTime < 0 {
		errs = append(errs, "retry.max_elapsed_time must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path skips the file and uses
// defaults plus environment overrides only.
//
// Precondition: path is empty or names a readable YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with KAIRI_ prefix
	v.SetEnvPrefix("KAIRI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Redacted returns a copy of c with secrets masked.
func (c Config) Redacted() Config {
	out := c
	if out.Gateway.Token != "" {
		out.Gateway.Token = "<redacted>"
	}
	if out.Journal.Database.Password != "" {
		out.Journal.Database.Password = "<redacted>"
	}
	return out
}

// YAML renders the redacted configuration as YAML.
//
// Postcondition: The output never contains the token or database password.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.api_url", "https://api.revolt.chat")
	v.SetDefault("gateway.heartbeat_interval", "30s")
	v.SetDefault("gateway.ack_timeout", "0s")
	v.SetDefault("gateway.handshake_timeout", "0s")
	v.SetDefault("gateway.write_timeout", "10s")

	v.SetDefault("dispatch.workers", 16)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.host", "127.0.0.1")
	v.SetDefault("metrics.port", 9464)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.database.host", "localhost")
	v.SetDefault("journal.database.port", 5432)
	v.SetDefault("journal.database.user", "kairi")
	v.SetDefault("journal.database.password", "kairi")
	v.SetDefault("journal.database.name", "kairi")
	v.SetDefault("journal.database.sslmode", "disable")
	v.SetDefault("journal.database.max_conns", 4)
	v.SetDefault("journal.database.min_conns", 1)
	v.SetDefault("journal.database.max_conn_lifetime", "1h")

	v.SetDefault("scripting.dir", "")
	v.SetDefault("scripting.instruction_limit", 100000)

	v.SetDefault("retry.enabled", false)
	v.SetDefault("retry.initial_interval", "1s")
	v.SetDefault("retry.max_interval", "30s")
	v.SetDefault("retry.max_elapsed_time", "0s")
}
