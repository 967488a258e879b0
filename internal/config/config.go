// Package config loads artifactd.yaml.
//
// Layers apply in order: built-in defaults, the YAML file, then command-line
// overrides set by the caller. Relative paths resolve under store_root.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"artifactledger/internal/logging"
	"artifactledger/internal/metrics"
	"artifactledger/internal/writerlock"
)

// FileName is the default config file name.
const FileName = "artifactd.yaml"

// Config is the full process configuration.
type Config struct {
	StoreRoot       string         `yaml:"store_root"`
	CatalogPath     string         `yaml:"catalog_path"`
	ExperimentsPath string         `yaml:"experiments_path"`
	ProjectionDir   string         `yaml:"projection_dir"`
	ViewsDir        string         `yaml:"views_dir"`
	Daemon          DaemonConfig   `yaml:"daemon"`
	Log             logging.Config `yaml:"log"`
	Metrics         metrics.Config `yaml:"metrics"`
}

// DaemonConfig tunes the ingestion loop.
type DaemonConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	WatchInbox      bool          `yaml:"watch_inbox"`
	ExportViews     bool          `yaml:"export_views"`
	MaxJobsPerCycle int           `yaml:"max_jobs_per_cycle"`
}

// Default returns the built-in configuration.
func Default() Config {
	c := Config{
		Daemon: DaemonConfig{
			WatchInbox:  true,
			ExportViews: true,
		},
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.CatalogPath == "" {
		c.CatalogPath = "catalog.db"
	}
	if c.ExperimentsPath == "" {
		c.ExperimentsPath = "experiments.db"
	}
	if c.ProjectionDir == "" {
		c.ProjectionDir = "projections"
	}
	if c.ViewsDir == "" {
		c.ViewsDir = "views"
	}
	if c.Daemon.PollInterval == 0 {
		c.Daemon.PollInterval = time.Second
	}
	if c.Daemon.LockTimeout == 0 {
		c.Daemon.LockTimeout = writerlock.DefaultTimeout
	}
	c.Log.ApplyDefaults()
	c.Metrics.ApplyDefaults()
}

// Validate returns every violation, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.StoreRoot == "" {
		errs = append(errs, errors.New("store_root is required"))
	}
	if c.Daemon.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("daemon.poll_interval must be positive, got %s", c.Daemon.PollInterval))
	}
	if c.Daemon.LockTimeout < 0 {
		errs = append(errs, fmt.Errorf("daemon.lock_timeout must be positive, got %s", c.Daemon.LockTimeout))
	}
	if c.Daemon.MaxJobsPerCycle < 0 {
		errs = append(errs, errors.New("daemon.max_jobs_per_cycle must be >= 0"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// ResolvePaths makes StoreRoot absolute and joins relative paths under it.
func (c *Config) ResolvePaths() error {
	if c.StoreRoot == "" {
		return nil
	}
	root, err := filepath.Abs(c.StoreRoot)
	if err != nil {
		return fmt.Errorf("store_root: %w", err)
	}
	c.StoreRoot = root
	for _, p := range []*string{&c.CatalogPath, &c.ExperimentsPath, &c.ProjectionDir, &c.ViewsDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
	return nil
}

// Load reads path over the defaults. An empty path yields the defaults.
// Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(data, &c); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		c.ApplyDefaults()
	}
	return &c, nil
}

// Finalize resolves paths and validates. Call it after overrides.
func (c *Config) Finalize() error {
	c.ApplyDefaults()
	if err := c.ResolvePaths(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func decode(data []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
