package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	require.NoError(t, err)

	assert.Equal(t, "en.wikipedia.org", cfg.Fetch.Site)
	assert.Equal(t, 20, cfg.Lists.RecentSearchLimit)
	assert.Equal(t, 720*time.Hour, cfg.Migration.BackupGracePeriod)
	assert.Equal(t, 15*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.True(t, cfg.Fetch.Images)
}

func TestParseMinimalConfig(t *testing.T) {
	cfg, err := parse([]byte(`
fetch:
  site: de.wikipedia.org
server:
  port: 9000
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	site, err := cfg.Site()
	require.NoError(t, err)
	assert.Equal(t, "de", site.Language)
	// Defaults still apply to unspecified fields.
	assert.Equal(t, 50, cfg.Migration.BatchSize)
	assert.Equal(t, "info", cfg.Logging.Level)

	feed, err := cfg.FeedURL()
	require.NoError(t, err)
	assert.Contains(t, feed, "https://de.wikipedia.org/")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WIKICACHE_PORT", "9100")
	t.Setenv("WIKICACHE_DATA_DIR", "/tmp/wiki")
	t.Setenv("WIKICACHE_MIGRATION_BATCH_SIZE", "7")

	cfg, err := parse(DefaultConfigYAML)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/tmp/wiki", cfg.GetDataDir())
	assert.Equal(t, 7, cfg.Migration.BatchSize)
	assert.Equal(t, filepath.Join("/tmp/wiki", "legacy"), cfg.LegacyDir())
	assert.Equal(t, filepath.Join("/tmp/wiki", "legacy-backup"), cfg.BackupDir())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"port":        "server:\n  port: 0\n",
		"batch size":  "migration:\n  batch_size: 0\n",
		"site":        "fetch:\n  site: nowhere\n",
		"log level":   "logging:\n  level: loud\n",
		"log format":  "logging:\n  format: xml\n",
		"rate":        "fetch:\n  requests_per_second: -1\n",
		"search size": "lists:\n  recent_search_limit: 0\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parse([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, DefaultConfigYAML, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Migration.Concurrency)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolveConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, DefaultConfigYAML, 0o644))

	got, err := ResolveConfigPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = ResolveConfigPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	assert.NotEmpty(t, cfg.GetDataDir())

	cfg.Store.DataDir = "/custom/path"
	assert.Equal(t, "/custom/path", cfg.GetDataDir())
}
