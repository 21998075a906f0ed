package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "site-cloner", cfg.ServiceName)
	assert.Equal(t, 10, cfg.CrawlerSettings.MaxPages)
	assert.Equal(t, 60*time.Second, cfg.CrawlerSettings.NavigationTimeout)
	assert.True(t, cfg.ArchiveSettings.IgnoreEmpty)
	assert.Equal(t, "local", cfg.CacheSettings.Type)
	assert.False(t, cfg.KafkaSettings.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
crawler:
  crawl_mechanism: 0
  max_pages: 3
  asset_timeout: 2s
archive:
  beautify: true
cache:
  type: none
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.CrawlerSettings.CrawlMechanism)
	assert.Equal(t, 3, cfg.CrawlerSettings.MaxPages)
	assert.Equal(t, 2*time.Second, cfg.CrawlerSettings.AssetTimeout)
	assert.Equal(t, 8, cfg.CrawlerSettings.AssetWorkers)
	assert.True(t, cfg.ArchiveSettings.Beautify)
	assert.Equal(t, "none", cfg.CacheSettings.Type)
}
