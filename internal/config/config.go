package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultDelay is the pause before each request and between phases
	DefaultDelay = time.Second
	// DefaultTimeout bounds a single HTTP request
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent identifies the patcher to the patch server
	DefaultUserAgent = "patchsync"
	// DefaultListenAddr is where the trigger server listens
	DefaultListenAddr = "127.0.0.1:8787"
	// LockFileName is the run lock kept in the game directory
	LockFileName = ".patchsync.lock"
)

// Config represents the complete patchsync configuration
type Config struct {
	Source SourceConfig `yaml:"source"`
	Paths  PathsConfig  `yaml:"paths"`
	Patch  PatchConfig  `yaml:"patch"`
	Serve  ServeConfig  `yaml:"serve"`
}

// SourceConfig configures where the manifest and files come from. Either
// the HTTP URLs or the S3 bucket are set, never both.
type SourceConfig struct {
	ManifestURL string        `yaml:"manifest_url"`
	BaseURL     string        `yaml:"base_url"`
	S3          S3Config      `yaml:"s3"`
	UserAgent   string        `yaml:"user_agent"`
	Timeout     time.Duration `yaml:"timeout"`
}

// S3Config configures an S3 bucket holding the reference tree
type S3Config struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	ManifestKey string `yaml:"manifest_key"`
	Region      string `yaml:"region"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	GameDir string `yaml:"game_dir"`
}

// PatchConfig configures patch run behavior
type PatchConfig struct {
	RequestDelay time.Duration `yaml:"request_delay"`
	PhaseDelay   time.Duration `yaml:"phase_delay"`
	Verify       bool          `yaml:"verify"`
	Exclude      []string      `yaml:"exclude"`
}

// ServeConfig configures the trigger server
type ServeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
}

// Default returns a configuration with every default applied
func Default() Config {
	cfg := Config{
		Patch: PatchConfig{
			RequestDelay: DefaultDelay,
			PhaseDelay:   DefaultDelay,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decode over the defaults so an explicit zero delay is kept
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Source.ManifestURL = os.ExpandEnv(c.Source.ManifestURL)
	c.Source.BaseURL = os.ExpandEnv(c.Source.BaseURL)
	c.Source.S3.Bucket = os.ExpandEnv(c.Source.S3.Bucket)
	c.Source.S3.Prefix = os.ExpandEnv(c.Source.S3.Prefix)
	c.Source.S3.ManifestKey = os.ExpandEnv(c.Source.S3.ManifestKey)
	c.Source.S3.Region = os.ExpandEnv(c.Source.S3.Region)
	c.Source.UserAgent = os.ExpandEnv(c.Source.UserAgent)
	c.Paths.GameDir = os.ExpandEnv(c.Paths.GameDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Source.UserAgent == "" {
		c.Source.UserAgent = DefaultUserAgent
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = DefaultTimeout
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var result *multierror.Error

	httpSet := c.Source.ManifestURL != "" || c.Source.BaseURL != ""
	s3Set := c.Source.S3.Bucket != ""

	switch {
	case httpSet && s3Set:
		result = multierror.Append(result, fmt.Errorf("source: only one of manifest_url/base_url or s3.bucket may be set"))
	case !httpSet && !s3Set:
		result = multierror.Append(result, fmt.Errorf("source: manifest_url and base_url, or s3.bucket, are required"))
	case httpSet:
		if err := validateURL("source.manifest_url", c.Source.ManifestURL); err != nil {
			result = multierror.Append(result, err)
		}
		if err := validateURL("source.base_url", c.Source.BaseURL); err != nil {
			result = multierror.Append(result, err)
		}
	case s3Set:
		if c.Source.S3.ManifestKey == "" {
			result = multierror.Append(result, fmt.Errorf("source.s3.manifest_key is required when s3.bucket is set"))
		}
	}

	if c.Source.Timeout < 0 {
		result = multierror.Append(result, fmt.Errorf("source.timeout must not be negative: %s", c.Source.Timeout))
	}

	if c.Paths.GameDir == "" {
		result = multierror.Append(result, fmt.Errorf("paths.game_dir is required"))
	} else if !filepath.IsAbs(c.Paths.GameDir) {
		result = multierror.Append(result, fmt.Errorf("paths.game_dir must be an absolute path: %s", c.Paths.GameDir))
	}

	if c.Patch.RequestDelay < 0 {
		result = multierror.Append(result, fmt.Errorf("patch.request_delay must not be negative: %s", c.Patch.RequestDelay))
	}
	if c.Patch.PhaseDelay < 0 {
		result = multierror.Append(result, fmt.Errorf("patch.phase_delay must not be negative: %s", c.Patch.PhaseDelay))
	}
	for _, pattern := range c.Patch.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			result = multierror.Append(result, fmt.Errorf("patch.exclude: invalid pattern %q", pattern))
		}
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			result = multierror.Append(result, fmt.Errorf("serve.listen_addr is required when serve is enabled"))
		}
		if c.Serve.SecretFile == "" {
			result = multierror.Append(result, fmt.Errorf("serve.secret_file is required when serve is enabled"))
		}
	}

	return result.ErrorOrNil()
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http or https URL: %s", field, raw)
	}
	return nil
}

// SourceKind returns which backend serves the reference tree
func (c *Config) SourceKind() string {
	if c.Source.S3.Bucket != "" {
		return "s3"
	}
	return "http"
}

// LockPath returns the path of the run lock for the game directory
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.GameDir, LockFileName)
}
