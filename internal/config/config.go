package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/palmid/internal/builder"
	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/decoder"
	"github.com/example/palmid/internal/license"
	"github.com/example/palmid/internal/matcher"
	"github.com/example/palmid/internal/secure"
)

// Config is the palmid.yml configuration.
type Config struct {
	Session  SessionConfig  `yaml:"session"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Security SecurityConfig `yaml:"security"`
	Builder  BuilderConfig  `yaml:"builder"`
	Matcher  MatcherConfig  `yaml:"matcher"`
	Decoder  DecoderConfig  `yaml:"decoder"`
	Auth     AuthConfig     `yaml:"auth"`
}

// SessionConfig identifies the licensed session.
type SessionConfig struct {
	LicenseID  string `yaml:"license_id"`
	ServerURL  string `yaml:"server_url,omitempty"` // licensing gRPC endpoint; empty validates offline
	AuthMethod string `yaml:"auth_method"`          // "palms" or "palms+passcode"
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the credential store. An empty DSN keeps
// credentials in memory.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn,omitempty"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig enables the match result cache when Addr is set.
type RedisConfig struct {
	Addr   string `yaml:"addr,omitempty"`
	Prefix string `yaml:"prefix"`
}

// SecurityConfig provides the key sealing templates at rest. SecretKey is a
// hex encoded key; Passphrase and Salt derive one instead.
type SecurityConfig struct {
	SecretKey  string `yaml:"secret_key,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`
	Salt       string `yaml:"salt,omitempty"`
}

type BuilderConfig struct {
	RequiredQuality      float64 `yaml:"required_quality"`
	MaxConsecutiveMisses int     `yaml:"max_consecutive_misses"`
	MinRegionQuality     float64 `yaml:"min_region_quality"`
}

type MatcherConfig struct {
	Threshold         float64 `yaml:"threshold"`
	RequiredAgreement int     `yaml:"required_agreement"`
	MaxAttemptFrames  int     `yaml:"max_attempt_frames"`
}

type DecoderConfig struct {
	EventBuffer           int           `yaml:"event_buffer"`
	FirstDetectionTimeout time.Duration `yaml:"first_detection_timeout"`
	Orientation           string        `yaml:"orientation"`
}

// AuthConfig configures bearer token validation for the HTTP API.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret,omitempty"`
	Audience   string `yaml:"audience,omitempty"`
	AdminScope string `yaml:"admin_scope"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	b := builder.DefaultConfig()
	m := matcher.DefaultConfig()
	return &Config{
		Session: SessionConfig{AuthMethod: credential.AuthPalms.String()},
		HTTP:    HTTPConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Database: DatabaseConfig{
			MaxIdleConns: 5,
			MaxOpenConns: 10,
		},
		Redis: RedisConfig{Prefix: "palmid:"},
		Builder: BuilderConfig{
			RequiredQuality:      b.RequiredQuality,
			MaxConsecutiveMisses: b.MaxConsecutiveMisses,
			MinRegionQuality:     b.MinRegionQuality,
		},
		Matcher: MatcherConfig{
			Threshold:         m.Threshold,
			RequiredAgreement: m.RequiredAgreement,
			MaxAttemptFrames:  m.MaxAttemptFrames,
		},
		Decoder: DecoderConfig{
			EventBuffer:           decoder.DefaultConfig().EventBuffer,
			FirstDetectionTimeout: 30 * time.Second,
			Orientation:           decoder.OrientationHorizontal.String(),
		},
		Auth: AuthConfig{AdminScope: "palmid:admin"},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Session.LicenseID = getEnv("PALMID_LICENSE_ID", c.Session.LicenseID)
	c.Session.ServerURL = getEnv("PALMID_SERVER_URL", c.Session.ServerURL)
	c.Session.AuthMethod = getEnv("PALMID_AUTH_METHOD", c.Session.AuthMethod)
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Security.SecretKey = getEnv("PALMID_SECRET_KEY", c.Security.SecretKey)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Audience = getEnv("JWT_AUDIENCE", c.Auth.Audience)
}

// Validate checks that the configuration can start a daemon.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Session.LicenseID) == "" {
		errs = append(errs, errors.New("session.license_id is required"))
	}
	if _, err := credential.ParseAuthMethod(c.Session.AuthMethod); err != nil {
		errs = append(errs, fmt.Errorf("session.auth_method: %w", err))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must be positive"))
	}
	if c.Security.SecretKey == "" && c.Security.Passphrase == "" {
		errs = append(errs, errors.New("security.secret_key or security.passphrase is required"))
	} else if _, err := c.SealingKey(); err != nil {
		errs = append(errs, fmt.Errorf("security: %w", err))
	}
	if _, err := c.DecoderConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	return errors.Join(errs...)
}

// SealingKey returns the key used to seal stored templates.
func (c *Config) SealingKey() ([]byte, error) {
	if c.Security.SecretKey != "" {
		return secure.ParseKey(c.Security.SecretKey)
	}
	return secure.KeyFromPassphrase(c.Security.Passphrase, []byte(c.Security.Salt))
}

// AuthMethod returns the parsed session auth method.
func (c *Config) AuthMethod() credential.AuthMethod {
	m, err := credential.ParseAuthMethod(c.Session.AuthMethod)
	if err != nil {
		return credential.AuthPalms
	}
	return m
}

// LicenseRequest returns the request sent to the licensing collaborator.
func (c *Config) LicenseRequest() license.Request {
	return license.Request{
		LicenseID:  c.Session.LicenseID,
		ServerURL:  c.Session.ServerURL,
		AuthMethod: c.AuthMethod(),
	}
}

// DecoderConfig builds the decoder configuration and validates the builder
// and matcher sections.
func (c *Config) DecoderConfig() (decoder.Config, error) {
	orientation, err := decoder.ParseOrientation(c.Decoder.Orientation)
	if err != nil {
		return decoder.Config{}, fmt.Errorf("decoder.orientation: %w", err)
	}
	if c.Decoder.FirstDetectionTimeout < 0 {
		return decoder.Config{}, errors.New("decoder.first_detection_timeout must not be negative")
	}
	cfg := decoder.Config{
		License: c.LicenseRequest(),
		Builder: builder.Config{
			RequiredQuality:      c.Builder.RequiredQuality,
			MaxConsecutiveMisses: c.Builder.MaxConsecutiveMisses,
			MinRegionQuality:     c.Builder.MinRegionQuality,
		},
		Matcher: matcher.Config{
			Threshold:         c.Matcher.Threshold,
			RequiredAgreement: c.Matcher.RequiredAgreement,
			MaxAttemptFrames:  c.Matcher.MaxAttemptFrames,
		},
		EventBuffer:           c.Decoder.EventBuffer,
		FirstDetectionTimeout: c.Decoder.FirstDetectionTimeout,
		Orientation:           orientation,
	}
	if err := cfg.Builder.Validate(); err != nil {
		return decoder.Config{}, fmt.Errorf("builder: %w", err)
	}
	if err := cfg.Matcher.Validate(); err != nil {
		return decoder.Config{}, fmt.Errorf("matcher: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
