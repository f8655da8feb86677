package config

import (
	"fmt"
	"strings"
)

// Validate checks the loaded configuration. parse calls it automatically.
func (c *Config) Validate() error {
	if c.Store.WriteQueueSize <= 0 {
		return fmt.Errorf("store.write_queue_size must be > 0 (got %d)", c.Store.WriteQueueSize)
	}
	if c.Store.SubscriberBuffer < 0 {
		return fmt.Errorf("store.subscriber_buffer must be >= 0 (got %d)", c.Store.SubscriberBuffer)
	}
	if c.Lists.RecentSearchLimit <= 0 {
		return fmt.Errorf("lists.recent_search_limit must be > 0 (got %d)", c.Lists.RecentSearchLimit)
	}
	if err := c.Migration.validate(); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	if err := c.Fetch.validate(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535 (got %d)", c.Server.Port)
	}
	if err := c.Logging.validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

func (m *Migration) validate() error {
	if m.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", m.BatchSize)
	}
	if m.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0 (got %d)", m.Concurrency)
	}
	if m.BackupGracePeriod < 0 {
		return fmt.Errorf("backup_grace_period must be >= 0 (got %s)", m.BackupGracePeriod)
	}
	return nil
}

func (f *Fetch) validate() error {
	if !strings.Contains(f.Site, ".") {
		return fmt.Errorf("site must be a host like en.wikipedia.org (got %q)", f.Site)
	}
	if f.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be >= 0 (got %v)", f.RequestsPerSecond)
	}
	if f.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0 (got %s)", f.Timeout)
	}
	return nil
}

func (l *Logging) validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug, info, warn, error (got %q)", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json (got %q)", l.Format)
	}
	return nil
}
