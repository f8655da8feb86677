package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/wikicache/internal/featured"
	"github.com/TobiSchelling/wikicache/internal/title"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Config is the root configuration. Values come from defaults, then the
// YAML file, then WIKICACHE_* environment variables.
type Config struct {
	Store     Store     `yaml:"store"`
	Lists     Lists     `yaml:"lists"`
	Migration Migration `yaml:"migration"`
	Fetch     Fetch     `yaml:"fetch"`
	Featured  Featured  `yaml:"featured"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
}

type Store struct {
	DataDir          string `yaml:"data_dir"          env:"WIKICACHE_DATA_DIR"`
	WriteQueueSize   int    `yaml:"write_queue_size"  env:"WIKICACHE_WRITE_QUEUE_SIZE"`
	SubscriberBuffer int    `yaml:"subscriber_buffer" env:"WIKICACHE_SUBSCRIBER_BUFFER"`
}

type Lists struct {
	RecentSearchLimit int `yaml:"recent_search_limit" env:"WIKICACHE_RECENT_SEARCH_LIMIT"`
}

type Migration struct {
	LegacyDir         string        `yaml:"legacy_dir"          env:"WIKICACHE_LEGACY_DIR"`
	BackupDir         string        `yaml:"backup_dir"          env:"WIKICACHE_BACKUP_DIR"`
	BatchSize         int           `yaml:"batch_size"          env:"WIKICACHE_MIGRATION_BATCH_SIZE"`
	Concurrency       int           `yaml:"concurrency"         env:"WIKICACHE_MIGRATION_CONCURRENCY"`
	BackupGracePeriod time.Duration `yaml:"backup_grace_period" env:"WIKICACHE_BACKUP_GRACE_PERIOD"`
}

type Fetch struct {
	Site              string        `yaml:"site"                env:"WIKICACHE_SITE"`
	UserAgent         string        `yaml:"user_agent"          env:"WIKICACHE_USER_AGENT"`
	Timeout           time.Duration `yaml:"timeout"             env:"WIKICACHE_FETCH_TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"WIKICACHE_REQUESTS_PER_SECOND"`
	Images            bool          `yaml:"images"              env:"WIKICACHE_FETCH_IMAGES"`
}

type Featured struct {
	FeedURL string `yaml:"feed_url" env:"WIKICACHE_FEATURED_FEED_URL"`
}

type Server struct {
	Port int `yaml:"port" env:"WIKICACHE_PORT"`
}

type Logging struct {
	Level  string `yaml:"level"  env:"WIKICACHE_LOG_LEVEL"`
	Format string `yaml:"format" env:"WIKICACHE_LOG_FORMAT"`
}

// ConfigDir returns the XDG config directory for wikicache.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "wikicache")
}

// DataDir returns the XDG data directory for wikicache.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "wikicache")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/wikicache/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'wikicache init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the embedded default config with environment overrides.
func Default() (*Config, error) {
	return parse(DefaultConfigYAML)
}

// parse parses YAML bytes into a Config, applying defaults first and
// environment overrides last.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Store: Store{
			WriteQueueSize:   64,
			SubscriberBuffer: 32,
		},
		Lists: Lists{RecentSearchLimit: 20},
		Migration: Migration{
			BatchSize:         50,
			Concurrency:       4,
			BackupGracePeriod: 30 * 24 * time.Hour,
		},
		Fetch: Fetch{
			Site:              "en.wikipedia.org",
			UserAgent:         "wikicache/1.0 (offline reader)",
			Timeout:           15 * time.Second,
			RequestsPerSecond: 1,
			Images:            true,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "info", Format: "text"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Store.DataDir != "" {
		return c.Store.DataDir
	}
	return DataDir()
}

// LegacyDir returns the directory of the previous storage generation.
func (c *Config) LegacyDir() string {
	if c.Migration.LegacyDir != "" {
		return c.Migration.LegacyDir
	}
	return filepath.Join(c.GetDataDir(), "legacy")
}

// BackupDir returns where legacy data is kept after migration.
func (c *Config) BackupDir() string {
	if c.Migration.BackupDir != "" {
		return c.Migration.BackupDir
	}
	return filepath.Join(c.GetDataDir(), "legacy-backup")
}

// Site returns the configured wiki.
func (c *Config) Site() (title.Site, error) {
	return title.ParseSite(c.Fetch.Site)
}

// FeedURL returns the featured-article feed, derived from the site unless
// configured.
func (c *Config) FeedURL() (string, error) {
	if c.Featured.FeedURL != "" {
		return c.Featured.FeedURL, nil
	}
	site, err := c.Site()
	if err != nil {
		return "", err
	}
	return featured.FeedURL(site), nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
