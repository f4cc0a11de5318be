// Package config loads the condamap configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pseudomuto/condamap"
	"gopkg.in/yaml.v3"
)

// SigningKeyEnv overrides Config.SigningKey when set.
const SigningKeyEnv = "CONDAMAP_SIGNING_KEY"

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendGCS    = "gcs"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type (
	// Channel is one conda channel to index.
	Channel struct {
		Name string `yaml:"name" validate:"required"`

		// Partitions limits the subdirs scanned. Empty means every subdir.
		Partitions []string `yaml:"partitions,omitempty"`
	}

	// Store selects and configures the BlobStore.
	Store struct {
		Backend         string `yaml:"backend" validate:"oneof=memory sqlite gcs"`
		DSN             string `yaml:"dsn,omitempty" validate:"required_if=Backend sqlite"`
		Bucket          string `yaml:"bucket,omitempty" validate:"required_if=Backend gcs"`
		Prefix          string `yaml:"prefix,omitempty"`
		CredentialsFile string `yaml:"credentials_file,omitempty"`
	}

	// RateLimit bounds requests against the channel upstream.
	RateLimit struct {
		RPS   float64 `yaml:"rps" validate:"gte=0"`
		Burst int     `yaml:"burst" validate:"gte=0"`
	}

	// Retry configures backoff for store and upstream calls.
	Retry struct {
		MaxTries uint          `yaml:"max_tries" validate:"gte=1"`
		Initial  time.Duration `yaml:"initial" validate:"gt=0"`
	}

	// Config is the in-memory representation of condamap.yaml.
	Config struct {
		Upstream    string              `yaml:"upstream" validate:"required,url"`
		Channels    []Channel           `yaml:"channels" validate:"required,min=1,dive"`
		Store       Store               `yaml:"store"`
		CacheDir    string              `yaml:"cache_dir,omitempty"`
		TempDir     string              `yaml:"temp_dir,omitempty"`
		LockDir     string              `yaml:"lock_dir"`
		Workers     int                 `yaml:"workers" validate:"gte=1"`
		Parallelism int                 `yaml:"parallelism" validate:"gte=1"`
		RateLimit   RateLimit           `yaml:"rate_limit"`
		Retry       Retry               `yaml:"retry"`
		Staleness   int64               `yaml:"staleness_threshold" validate:"gte=1"`
		SigningKey  string              `yaml:"signing_key,omitempty"`
		VerifierKey string              `yaml:"verifier_key,omitempty"`
		Yank        []condamap.YankRule `yaml:"yank,omitempty" validate:"dive"`
	}
)

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Upstream:    "https://conda.anaconda.org",
		Store:       Store{Backend: BackendMemory},
		LockDir:     filepath.Join(os.TempDir(), "condamap"),
		Workers:     8,
		Parallelism: 4,
		RateLimit:   RateLimit{RPS: 20, Burst: 5},
		Retry:       Retry{MaxTries: 5, Initial: 250 * time.Millisecond},
		Staleness:   50_000,
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	if key := os.Getenv(SigningKeyEnv); key != "" {
		cfg.SigningKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks cfg for missing and inconsistent values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Channels))
	for _, ch := range c.Channels {
		if _, dup := seen[ch.Name]; dup {
			return fmt.Errorf("channel %q is listed twice", ch.Name)
		}
		seen[ch.Name] = struct{}{}
	}

	if c.SigningKey != "" && !strings.HasPrefix(c.SigningKey, "PRIVATE+KEY+") {
		return errors.New("signing_key is not a note signer key")
	}

	return nil
}

// Channel returns the configuration of the named channel.
func (c *Config) Channel(name string) (Channel, error) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, nil
		}
	}

	return Channel{}, fmt.Errorf("channel %q is not configured", name)
}

// IndexerOptions returns the condamap options derived from c. The store, source
// and resolver are wired by the caller.
func (c *Config) IndexerOptions() []condamap.Option {
	opts := []condamap.Option{
		condamap.WithWorkers(c.Workers),
		condamap.WithStalenessThreshold(c.Staleness),
		condamap.WithRetry(c.Retry.MaxTries, c.Retry.Initial),
		condamap.WithYankRules(c.Yank...),
	}

	if c.SigningKey != "" {
		opts = append(opts, condamap.WithSigningKey(c.SigningKey))
	}
	if c.VerifierKey != "" {
		opts = append(opts, condamap.WithVerifierKey(c.VerifierKey))
	}

	return opts
}
