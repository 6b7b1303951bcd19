// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

// Package config loads server settings from flags, an optional YAML file and the environment.
//
// Precedence, lowest first: flag defaults, the YAML file, explicitly set flags.
// Secrets and connection strings are read only from the environment.
package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/twofold/twofold/internal/pairing"
)

// Notifier backends.
const (
	NotifierRedis = "redis"
	NotifierLog   = "log"
)

// Config is the complete server configuration.
type Config struct {
	HTTP    HTTPConfig    `koanf:"http"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Pairing PairingConfig `koanf:"pairing"`
	Notify  NotifyConfig  `koanf:"notify"`
	Secrets Secrets       `koanf:"-"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr           string        `koanf:"addr"`
	RequestTimeout time.Duration `koanf:"request-timeout"`
	SecureCookies  bool          `koanf:"secure-cookies"`
}

// MetricsConfig configures the observability listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig selects the log format and level.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// PairingConfig tunes credential lifetimes, input rules and code throttling.
type PairingConfig struct {
	SessionTTL          time.Duration `koanf:"session-ttl"`
	PreAuthTTL          time.Duration `koanf:"preauth-ttl"`
	MinPassphraseLength int           `koanf:"min-passphrase-length"`
	MinPasswordLength   int           `koanf:"min-password-length"`
	CodeTTL             time.Duration `koanf:"code-ttl"`
	CodeCooldown        time.Duration `koanf:"code-cooldown"`
	CodeWindow          time.Duration `koanf:"code-window"`
	CodeWindowLimit     int           `koanf:"code-window-limit"`
	PurgeInterval       time.Duration `koanf:"purge-interval"`
}

// NotifyConfig selects the notification backend.
type NotifyConfig struct {
	Backend   string        `koanf:"backend"`
	OutboxKey string        `koanf:"outbox-key"`
	Timeout   time.Duration `koanf:"timeout"`
}

// Secrets come from the environment only.
type Secrets struct {
	DatabaseURL    string `env:"DATABASE_URL"`
	RedisURL       string `env:"REDIS_URL"`
	SessionSecret  string `env:"TWOFOLD_SESSION_SECRET"`
	SecretIndexKey string `env:"TWOFOLD_SECRET_INDEX_KEY"`
}

// RegisterFlags declares every configurable setting on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("http.addr", ":8080", "API listen address")
	fs.Duration("http.request-timeout", 15*time.Second, "per-request deadline")
	fs.Bool("http.secure-cookies", true, "mark the session cookie Secure")

	fs.String("metrics.addr", ":9100", "metrics and health listen address (empty disables)")

	fs.String("log.format", "json", "log format (json, text)")
	fs.String("log.level", "info", "log level (debug, info, warn, error)")

	fs.Duration("pairing.session-ttl", pairing.DefaultSessionTTL, "session credential lifetime")
	fs.Duration("pairing.preauth-ttl", pairing.DefaultPreAuthTTL, "pre-auth credential lifetime")
	fs.Int("pairing.min-passphrase-length", pairing.DefaultMinPassphraseLength, "minimum shared passphrase length in characters")
	fs.Int("pairing.min-password-length", pairing.DefaultMinPasswordLength, "minimum personal password length in characters")
	fs.Duration("pairing.code-ttl", pairing.DefaultCodeTTL, "verification code lifetime")
	policy := pairing.DefaultThrottlePolicy()
	fs.Duration("pairing.code-cooldown", policy.Cooldown, "minimum gap between verification codes")
	fs.Duration("pairing.code-window", policy.Window, "verification code rate window")
	fs.Int("pairing.code-window-limit", policy.WindowLimit, "verification codes allowed per window")
	fs.Duration("pairing.purge-interval", 15*time.Minute, "how often expired verification codes are deleted (0 disables)")

	fs.String("notify.backend", NotifierRedis, "notification backend (redis, log)")
	fs.String("notify.outbox-key", "twofold:notifications", "Redis list receiving notification envelopes")
	fs.Duration("notify.timeout", 10*time.Second, "deadline for handing one notification to the backend")
}

// Load builds a Config from fs, the YAML file at path (skipped when empty) and the environment.
func Load(fs *pflag.FlagSet, path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_FILE_INVALID").With("path", path).Wrap(err)
		}
	}
	// posflag only applies unchanged flag defaults for keys the file did not set.
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, oops.Code("CONFIG_FLAGS_INVALID").Wrap(err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}
	if err := env.Parse(&cfg.Secrets); err != nil {
		return nil, oops.Code("CONFIG_ENV_INVALID").Wrap(err)
	}
	return &cfg, nil
}

// LoadSecrets reads only the environment secrets. Commands that need no other settings use it.
func LoadSecrets() (Secrets, error) {
	secrets, err := env.ParseAs[Secrets]()
	if err != nil {
		return Secrets{}, oops.Code("CONFIG_ENV_INVALID").Wrap(err)
	}
	return secrets, nil
}

// Validate checks the settings needed to serve.
func (c *Config) Validate() error {
	var problems []string
	if c.Secrets.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if len(c.Secrets.SessionSecret) < pairing.MinSigningSecretLength {
		problems = append(problems, "TWOFOLD_SESSION_SECRET must be at least 32 bytes")
	}
	// Without the index, racing first logins can each create a space.
	if len(c.Secrets.SecretIndexKey) < pairing.MinSigningSecretLength {
		problems = append(problems, "TWOFOLD_SECRET_INDEX_KEY must be at least 32 bytes")
	}
	switch c.Notify.Backend {
	case NotifierRedis:
		if c.Secrets.RedisURL == "" {
			problems = append(problems, "REDIS_URL is required for the redis notifier")
		}
		if c.Notify.OutboxKey == "" {
			problems = append(problems, "notify.outbox-key must not be empty")
		}
	case NotifierLog:
	default:
		problems = append(problems, "notify.backend must be redis or log")
	}
	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr must not be empty")
	}
	if c.Pairing.SessionTTL <= 0 || c.Pairing.PreAuthTTL <= 0 || c.Pairing.CodeTTL <= 0 {
		problems = append(problems, "pairing TTLs must be positive")
	}
	if c.Pairing.PreAuthTTL >= c.Pairing.SessionTTL {
		problems = append(problems, "pairing.preauth-ttl must be shorter than pairing.session-ttl")
	}
	if c.Pairing.MinPassphraseLength < 1 || c.Pairing.MinPasswordLength < 1 {
		problems = append(problems, "minimum lengths must be at least 1")
	}
	if c.Pairing.CodeWindowLimit < 1 {
		problems = append(problems, "pairing.code-window-limit must be at least 1")
	}

	if len(problems) > 0 {
		return oops.Code("CONFIG_INVALID").
			With("problems", problems).
			Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ThrottlePolicy returns the verification code limits.
func (c *Config) ThrottlePolicy() pairing.ThrottlePolicy {
	return pairing.ThrottlePolicy{
		Cooldown:    c.Pairing.CodeCooldown,
		Window:      c.Pairing.CodeWindow,
		WindowLimit: c.Pairing.CodeWindowLimit,
	}
}
