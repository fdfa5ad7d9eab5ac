package relay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
db: /var/lib/mirror/relay.db
role: relay
failure_threshold: 5
disable_failing: false
max_attempts: 2
send_timeout: 3s
retry_backoff: 250ms
queue_size: 32
prune_age: 168h
prune_interval: 1h
stats_refresh_interval: 24h
debug: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/mirror/relay.db", cfg.DB)
	require.Equal(t, RoleRelay, cfg.Role)
	require.Equal(t, 5, cfg.FailureThreshold)
	require.NotNil(t, cfg.DisableFailing)
	require.False(t, *cfg.DisableFailing)
	require.Equal(t, 2, cfg.MaxAttempts)
	require.Equal(t, 3*time.Second, cfg.SendTimeout.Std())
	require.Equal(t, 250*time.Millisecond, cfg.RetryBackoff.Std())
	require.Equal(t, 32, cfg.QueueSize)
	require.Equal(t, 7*24*time.Hour, cfg.PruneAge.Std())
	require.True(t, cfg.Debug)
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := writeConfig(t, "send_timeout: soon\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestWithDefaults(t *testing.T) {
	cfg := (&Config{}).WithDefaults()

	require.Equal(t, RoleRelay, cfg.Role)
	require.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)
	require.NotNil(t, cfg.DisableFailing)
	require.True(t, *cfg.DisableFailing)
	require.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	require.Equal(t, DefaultSendTimeout, cfg.SendTimeout.Std())
	require.Equal(t, DefaultRetryBackoff, cfg.RetryBackoff.Std())
	require.Equal(t, DefaultQueueSize, cfg.QueueSize)
	require.Equal(t, DefaultPruneAge, cfg.PruneAge.Std())
	require.Equal(t, DefaultPruneInterval, cfg.PruneInterval.Std())
	require.Equal(t, DefaultStatsRefresh, cfg.StatsRefreshInterval.Std())
}

func TestWithDefaultsKeepsExplicitFalse(t *testing.T) {
	f := false
	cfg := (&Config{DisableFailing: &f}).WithDefaults()
	require.False(t, *cfg.DisableFailing)
}

func TestValidate(t *testing.T) {
	cfg := (&Config{}).WithDefaults()
	require.NoError(t, cfg.Validate())

	cfg.Role = "watcher"
	require.Error(t, cfg.Validate())

	cfg.Role = RoleJanitor
	cfg.DB = "  "
	require.Error(t, cfg.Validate())
}
