package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const DefaultAPIBaseURL = "https://www.bragdoc.ai"

// Path to the config file, overridable with $BRAGDOC_CONFIG
func Path() (string, error) {
	if path := os.Getenv("BRAGDOC_CONFIG"); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: finding home directory: %w", err)
	}
	return filepath.Join(home, ".bragdoc", "config.yml"), nil
}

type Config struct {
	Auth         Auth          `yaml:"auth"`
	APIBaseURL   string        `yaml:"apiBaseUrl" validate:"omitempty,url"`
	Repositories []*Repository `yaml:"repositories" validate:"dive"`
	Settings     Settings      `yaml:"settings"`
}

type Auth struct {
	Token     string `yaml:"token"`
	ExpiresAt int64  `yaml:"expiresAt" validate:"gte=0"` // ms since the epoch, 0 never expires
}

// Expiry of the token, zero when it never expires
func (a *Auth) Expiry() time.Time {
	if a.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(a.ExpiresAt)
}

// Expired reports whether the token has expired by now
func (a *Auth) Expired(now time.Time) bool {
	expiry := a.Expiry()
	return !expiry.IsZero() && !now.Before(expiry)
}

type Repository struct {
	Path       string `yaml:"path" validate:"required"`
	Name       string `yaml:"name"`
	MaxCommits int    `yaml:"maxCommits" validate:"gte=0"`
	Enabled    *bool  `yaml:"enabled"`
}

// IsEnabled defaults to true when unset
func (r *Repository) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type Settings struct {
	MaxCommitsPerBatch int   `yaml:"maxCommitsPerBatch" validate:"gte=0"`
	DefaultMaxCommits  int   `yaml:"defaultMaxCommits" validate:"gte=0"`
	CacheEnabled       *bool `yaml:"cacheEnabled"`
	Retries            int   `yaml:"retries" validate:"gte=0"`
	RetryDelayMs       int   `yaml:"retryDelayMs" validate:"gte=0"`
}

func (c *Config) defaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.Settings.MaxCommitsPerBatch == 0 {
		c.Settings.MaxCommitsPerBatch = 100
	}
	if c.Settings.DefaultMaxCommits == 0 {
		c.Settings.DefaultMaxCommits = 100
	}
	if c.Settings.CacheEnabled == nil {
		enabled := true
		c.Settings.CacheEnabled = &enabled
	}
	if c.Settings.Retries == 0 {
		c.Settings.Retries = 3
	}
	if c.Settings.RetryDelayMs == 0 {
		c.Settings.RetryDelayMs = 1000
	}
}

// CacheEnabled reports whether the commit cache should be used
func (c *Config) CacheEnabled() bool {
	return c.Settings.CacheEnabled == nil || *c.Settings.CacheEnabled
}

// RetryDelay between delivery attempts
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Settings.RetryDelayMs) * time.Millisecond
}

// Find the configured repository containing dir
func (c *Config) Find(dir string) (*Repository, bool) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, false
	}
	for _, repo := range c.Repositories {
		path, err := filepath.Abs(repo.Path)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(path, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return repo, true
	}
	return nil, false
}

// Load the config file at path. A missing file loads the defaults.
// $BRAGDOC_API_URL overrides the configured API base URL.
func Load(path string) (*Config, error) {
	config := new(Config)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: reading %q: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	if url := os.Getenv("BRAGDOC_API_URL"); url != "" {
		config.APIBaseURL = url
	}
	config.defaults()
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("config: invalid %q: %w", path, err)
	}
	return config, nil
}
