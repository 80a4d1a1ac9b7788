package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultMaxUploadBytes caps uploaded result archives at 256 MiB.
	DefaultMaxUploadBytes = 256 << 20

	// DefaultImportPattern matches report files anywhere in an archive
	// when an import request carries no pattern of its own.
	DefaultImportPattern = "**/*.xml"

	// DefaultClaimTTL is the default job claim lifetime.
	DefaultClaimTTL = "2m"

	// DefaultLeaseTTL is the default runner lease lifetime.
	DefaultLeaseTTL = "5m"

	// DefaultMaxPollSeconds caps how long a runner poll may block.
	DefaultMaxPollSeconds = 30

	// DefaultParseConcurrency bounds how many report files are parsed
	// in parallel within one import.
	DefaultParseConcurrency = 4

	// envPrefix namespaces environment variable overrides, e.g.
	// TESTPLANE_SERVER_LISTEN.
	envPrefix = "TESTPLANE"
)

// Config is the root configuration for testplane.
type Config struct {
	LogLevel string         `yaml:"log_level" mapstructure:"log_level"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Queue    QueueConfig    `yaml:"queue" mapstructure:"queue"`
	Storage  *StorageConfig `yaml:"storage,omitempty" mapstructure:"storage"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`

	// MaxUploadBytes caps the size of an uploaded result archive.
	MaxUploadBytes int64 `yaml:"max_upload_bytes,omitempty" mapstructure:"max_upload_bytes"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Ingest  RateLimitTier `yaml:"ingest,omitempty" mapstructure:"ingest"`
	Runner  RateLimitTier `yaml:"runner,omitempty" mapstructure:"runner"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// AuthConfig contains seeded principals for ingestion access.
type AuthConfig struct {
	Principals []PrincipalConfig `yaml:"principals,omitempty" mapstructure:"principals"`
}

// PrincipalConfig defines one seeded bearer principal.
type PrincipalConfig struct {
	Name     string   `yaml:"name" mapstructure:"name"`
	Token    string   `yaml:"token" mapstructure:"token"`
	Role     string   `yaml:"role" mapstructure:"role"`
	Projects []string `yaml:"projects,omitempty" mapstructure:"projects"`
}

// IngestConfig contains artifact ingestion settings, resolved once per
// ingestion run.
type IngestConfig struct {
	DefaultPattern        string `yaml:"default_pattern,omitempty" mapstructure:"default_pattern"`
	ExtractGeneratedNames bool   `yaml:"extract_generated_names" mapstructure:"extract_generated_names"`
	SynthesizeFolders     bool   `yaml:"synthesize_folders" mapstructure:"synthesize_folders"`
	ParseConcurrency      int    `yaml:"parse_concurrency,omitempty" mapstructure:"parse_concurrency"`
}

// QueueConfig contains job queue and runner lease settings. Durations
// are parsed with time.ParseDuration.
type QueueConfig struct {
	ClaimTTL       string `yaml:"claim_ttl,omitempty" mapstructure:"claim_ttl"`
	LeaseTTL       string `yaml:"lease_ttl,omitempty" mapstructure:"lease_ttl"`
	MaxPollSeconds int    `yaml:"max_poll_seconds,omitempty" mapstructure:"max_poll_seconds"`
}

// StorageConfig contains optional raw-artifact archival settings. Only
// one backend (S3 or local) may be enabled at a time.
type StorageConfig struct {
	S3    *S3StorageConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
	Local *LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// LocalStorageConfig archives imported artifacts under a local directory.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// S3StorageConfig archives imported artifacts to S3-compatible storage.
type S3StorageConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Load reads a configuration file, applies TESTPLANE_* environment
// overrides, and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Strict pre-pass so typo'd keys fail loudly instead of being
	// silently ignored downstream.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var strict Config
	if err := dec.Decode(&strict); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so bind
	// every key present in the file explicitly.
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %q: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "testplane.db"
	}

	if c.Ingest.DefaultPattern == "" {
		c.Ingest.DefaultPattern = DefaultImportPattern
	}

	if c.Ingest.ParseConcurrency <= 0 {
		c.Ingest.ParseConcurrency = DefaultParseConcurrency
	}

	if c.Queue.ClaimTTL == "" {
		c.Queue.ClaimTTL = DefaultClaimTTL
	}

	if c.Queue.LeaseTTL == "" {
		c.Queue.LeaseTTL = DefaultLeaseTTL
	}

	if c.Queue.MaxPollSeconds <= 0 {
		c.Queue.MaxPollSeconds = DefaultMaxPollSeconds
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.host and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if _, err := time.ParseDuration(c.Queue.ClaimTTL); err != nil {
		return fmt.Errorf("parsing queue.claim_ttl: %w", err)
	}

	if _, err := time.ParseDuration(c.Queue.LeaseTTL); err != nil {
		return fmt.Errorf("parsing queue.lease_ttl: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Auth.Principals))

	for i, p := range c.Auth.Principals {
		if p.Name == "" {
			return fmt.Errorf("auth.principals[%d]: name is required", i)
		}

		if _, exists := seen[p.Name]; exists {
			return fmt.Errorf("auth.principals[%d]: duplicate name %q", i, p.Name)
		}

		seen[p.Name] = struct{}{}

		if p.Token == "" {
			return fmt.Errorf("principal %q: token is required", p.Name)
		}
	}

	if c.Storage != nil {
		s3Enabled := c.Storage.S3 != nil && c.Storage.S3.Enabled
		localEnabled := c.Storage.Local != nil && c.Storage.Local.Enabled

		if s3Enabled && localEnabled {
			return fmt.Errorf("storage: only one of s3 and local may be enabled")
		}

		if s3Enabled && c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}

		if localEnabled && c.Storage.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir is required")
		}
	}

	return nil
}

// ClaimTTLDuration returns the parsed job claim lifetime.
func (c *QueueConfig) ClaimTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.ClaimTTL)

	return d
}

// LeaseTTLDuration returns the parsed runner lease lifetime.
func (c *QueueConfig) LeaseTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.LeaseTTL)

	return d
}
