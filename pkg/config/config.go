// Package config loads process settings: defaults, then an optional YAML
// file, then EVE_* environment variables. The data root is validated once.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/artifacts"
)

// DefaultMethodologyVersion stamps manifests when nothing else is configured.
const DefaultMethodologyVersion = "v1.0.0"

// Config holds all settings.
type Config struct {
	DataRoot           string           `yaml:"data_root"`
	LogLevel           string           `yaml:"log_level"`
	MethodologyVersion string           `yaml:"methodology_version"`
	Source             SourceConfig     `yaml:"source"`
	Pacing             PacingConfig     `yaml:"pacing"`
	Vault              VaultConfig      `yaml:"vault"`
	Artifacts          artifacts.Config `yaml:"artifacts"`
	Lock               LockConfig       `yaml:"lock"`
	Server             ServerConfig     `yaml:"server"`
	Telemetry          TelemetryConfig  `yaml:"telemetry"`
}

// SourceConfig selects the upstream feed.
type SourceConfig struct {
	Name       string        `yaml:"name"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	UserAgent  string        `yaml:"user_agent"`
	MaxRetries int           `yaml:"max_retries"`
}

// PacingConfig spaces upstream requests.
type PacingConfig struct {
	DayDelay   time.Duration `yaml:"day_delay"`
	MonthDelay time.Duration `yaml:"month_delay"`
}

// VaultConfig selects the ledger backend ("file", "sqlite" or "postgres").
type VaultConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// LockConfig enables a Redis writer lease when RedisAddr is set.
type LockConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	TTL           time.Duration `yaml:"ttl"`
}

// ServerConfig configures the audit API.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	IndexTTL      time.Duration `yaml:"index_ttl"`
}

// TelemetryConfig enables OTLP export when OTLPEndpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Default returns the built-in settings. DataRoot is left empty.
func Default() *Config {
	return &Config{
		LogLevel:           "INFO",
		MethodologyVersion: DefaultMethodologyVersion,
		Source: SourceConfig{
			Name:       "elprisetjustnu",
			BaseURL:    "https://www.elprisetjustnu.se/api/v1/prices",
			Timeout:    30 * time.Second,
			UserAgent:  "eve-ingest/1.0",
			MaxRetries: 3,
		},
		Pacing: PacingConfig{
			DayDelay:   500 * time.Millisecond,
			MonthDelay: 2 * time.Second,
		},
		Vault:     VaultConfig{Backend: "file"},
		Artifacts: artifacts.Config{Type: artifacts.StoreTypeFS},
		Lock:      LockConfig{TTL: 30 * time.Second},
		Server: ServerConfig{
			Addr:          ":8080",
			RatePerSecond: 10,
			Burst:         20,
			IndexTTL:      5 * time.Minute,
		},
	}
}

// Load builds a Config from path (optional) and the environment and
// validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"EVE_DATA_ROOT":           &c.DataRoot,
		"EVE_LOG_LEVEL":           &c.LogLevel,
		"EVE_METHODOLOGY_VERSION": &c.MethodologyVersion,
		"EVE_SOURCE":              &c.Source.Name,
		"EVE_SOURCE_BASE_URL":     &c.Source.BaseURL,
		"EVE_USER_AGENT":          &c.Source.UserAgent,
		"EVE_VAULT_BACKEND":       &c.Vault.Backend,
		"EVE_VAULT_DSN":           &c.Vault.DSN,
		"EVE_ARTIFACTS_BUCKET":    &c.Artifacts.Bucket,
		"EVE_ARTIFACTS_REGION":    &c.Artifacts.Region,
		"EVE_ARTIFACTS_ENDPOINT":  &c.Artifacts.Endpoint,
		"EVE_ARTIFACTS_PREFIX":    &c.Artifacts.Prefix,
		"EVE_REDIS_ADDR":          &c.Lock.RedisAddr,
		"EVE_REDIS_PASSWORD":      &c.Lock.RedisPassword,
		"EVE_SERVER_ADDR":         &c.Server.Addr,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := getenv("EVE_ARTIFACTS_TYPE"); v != "" {
		c.Artifacts.Type = artifacts.StoreType(v)
	}

	durations := map[string]*time.Duration{
		"EVE_SOURCE_TIMEOUT":   &c.Source.Timeout,
		"EVE_DAY_DELAY":        &c.Pacing.DayDelay,
		"EVE_MONTH_DELAY":      &c.Pacing.MonthDelay,
		"EVE_LOCK_TTL":         &c.Lock.TTL,
		"EVE_SERVER_INDEX_TTL": &c.Server.IndexTTL,
	}
	for key, dst := range durations {
		v := getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v := getenv("EVE_SOURCE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EVE_SOURCE_MAX_RETRIES: %w", err)
		}
		c.Source.MaxRetries = n
	}
	if v := getenv("EVE_SERVER_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EVE_SERVER_RATE: %w", err)
		}
		c.Server.RatePerSecond = f
	}
	if getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}
	return nil
}

// Validate checks the settings. The data root must already exist.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return errors.New("config: data root is required (set EVE_DATA_ROOT or data_root)")
	}
	abs, err := filepath.Abs(c.DataRoot)
	if err != nil {
		return fmt.Errorf("config: data root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("config: data root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: data root %s is not a directory", abs)
	}
	c.DataRoot = abs

	if _, err := ParseMethodology(c.MethodologyVersion); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Vault.Backend {
	case "file":
	case "sqlite", "postgres":
		if c.Vault.DSN == "" {
			return fmt.Errorf("config: vault backend %s needs a dsn", c.Vault.Backend)
		}
	default:
		return fmt.Errorf("config: unknown vault backend %q", c.Vault.Backend)
	}
	switch c.Artifacts.Type {
	case artifacts.StoreTypeFS, artifacts.StoreTypeS3, artifacts.StoreTypeGCS:
	default:
		return fmt.Errorf("config: unknown artifacts type %q", c.Artifacts.Type)
	}
	if c.Pacing.DayDelay < 0 || c.Pacing.MonthDelay < 0 {
		return errors.New("config: pacing delays must not be negative")
	}
	return nil
}

// ParseMethodology accepts vMAJOR.MINOR.PATCH.
func ParseMethodology(v string) (*semver.Version, error) {
	if !strings.HasPrefix(v, "v") {
		return nil, fmt.Errorf("config: methodology version %q must look like v1.0.0", v)
	}
	sv, err := semver.StrictNewVersion(strings.TrimPrefix(v, "v"))
	if err != nil {
		return nil, fmt.Errorf("config: methodology version %q: %w", v, err)
	}
	return sv, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return l, nil
}

// SlogLevel returns the configured level, INFO if unparsable.
func (c *Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// VaultDir holds the JSON-Lines ledgers.
func (c *Config) VaultDir() string { return filepath.Join(c.DataRoot, "vault") }

// RawDir is the filesystem artifact store.
func (c *Config) RawDir() string { return filepath.Join(c.DataRoot, "raw") }

// ArtifactStore returns the artifact settings with the fs directory resolved.
func (c *Config) ArtifactStore() artifacts.Config {
	a := c.Artifacts
	if a.Type == artifacts.StoreTypeFS && a.Dir == "" {
		a.Dir = c.RawDir()
	}
	return a
}
