// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package config loads the server configuration from YAML with environment
// overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can use "15m" notation.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	WebAuthn WebAuthnConfig `yaml:"webauthn"`
	Token    TokenConfig    `yaml:"token"`
	Storage  StorageConfig  `yaml:"storage"`
	SMTP     SMTPConfig     `yaml:"smtp"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WebAuthnConfig contains relying-party settings.
type WebAuthnConfig struct {
	RPID             string   `yaml:"rp_id"`
	RPDisplayName    string   `yaml:"rp_display_name"`
	RPOrigins        []string `yaml:"rp_origins"`
	ChallengeTTL     Duration `yaml:"challenge_ttl"`
	UserVerification string   `yaml:"user_verification"`
}

// TokenConfig contains token issuance settings. The secret is normally
// supplied via MATE_AUTH_TOKEN_SECRET rather than the file.
type TokenConfig struct {
	Secret     string   `yaml:"secret"`
	Issuer     string   `yaml:"issuer"`
	AccessTTL  Duration `yaml:"access_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, postgres
	DSN    string `yaml:"dsn"`
}

// SMTPConfig contains the verification-mail settings. With an empty host
// the server logs codes instead of mailing them.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("MATE_AUTH_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("MATE_AUTH_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("MATE_AUTH_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("MATE_AUTH_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if secret := os.Getenv("MATE_AUTH_TOKEN_SECRET"); secret != "" {
		cfg.Token.Secret = secret
	}
	if dsn := os.Getenv("MATE_AUTH_DATABASE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if password := os.Getenv("MATE_AUTH_SMTP_PASSWORD"); password != "" {
		cfg.SMTP.Password = password
	}
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.WebAuthn.RPID == "" {
		c.WebAuthn.RPID = "localhost"
	}
	if c.WebAuthn.RPDisplayName == "" {
		c.WebAuthn.RPDisplayName = "Mate"
	}
	if len(c.WebAuthn.RPOrigins) == 0 {
		c.WebAuthn.RPOrigins = []string{"http://localhost:8080"}
	}
	if c.WebAuthn.ChallengeTTL == 0 {
		c.WebAuthn.ChallengeTTL = Duration(5 * time.Minute)
	}
	if c.Token.Issuer == "" {
		c.Token.Issuer = "mate-auth"
	}
	if c.Token.AccessTTL == 0 {
		c.Token.AccessTTL = Duration(15 * time.Minute)
	}
	if c.Token.RefreshTTL == 0 {
		c.Token.RefreshTTL = Duration(7 * 24 * time.Hour)
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("postgres storage requires a DSN")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("token secret is required (set MATE_AUTH_TOKEN_SECRET)")
	}
	return nil
}
