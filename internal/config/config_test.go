package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 20*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 65, cfg.Screening.Thresholds.Buy)
	assert.Equal(t, 35, cfg.Screening.Thresholds.Sell)
	assert.Equal(t, "Asia/Jakarta", cfg.Timezone)
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
screening:
  thresholds:
    buy: 70
    sell: 30
`), 0o644))

	t.Setenv("CACHE_TTL_SECONDS", "45")
	t.Setenv("API_KEYS", "key-a, key-b")
	t.Setenv("SELL_THRESHOLD", "25")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 70, cfg.Screening.Thresholds.Buy)
	assert.Equal(t, 25, cfg.Screening.Thresholds.Sell, "env beats yaml")
	assert.Equal(t, 45*time.Second, cfg.Cache.TTL)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.Auth.APIKeys)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("BUY_THRESHOLD", "30")
	t.Setenv("SELL_THRESHOLD", "40")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_EventLogRequiresDatabase(t *testing.T) {
	t.Setenv("EVENT_LOG_ENABLED", "true")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://localhost/confluxscan")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.EventLog.Enabled)
}
