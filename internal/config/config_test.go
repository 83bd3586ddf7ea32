package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log_level: debug
ingest:
  location_timeout: 5s
storage:
  driver: memory
detection:
  lookback_days: 14
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Ingest.LocationTimeout)
	assert.Equal(t, 14, cfg.Detection.LookbackDays)
	assert.InDelta(t, 0.40, cfg.Detection.ChronicLateRatio, 1e-9)
	assert.Equal(t, 3, cfg.Detection.ChronicMinCheckIns)
	assert.Equal(t, 2, cfg.Detection.WeekdayMinLates)
	assert.Equal(t, "UTC", cfg.Schedule.DefaultTimezone)
	assert.Equal(t, "store", cfg.Dismissals.Backend)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"log_level":"warn","storage":{"driver":"postgres","dsn":"postgres://x"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":          "   ",
		"bad driver":     "storage:\n  driver: mongo\n",
		"redis w/o url":  "dismissals:\n  backend: redis\n",
		"bad timezone":   "schedule:\n  default_timezone: Mars/Olympus\n",
		"kafka w/o dest": "ingest:\n  kafka:\n    enabled: true\n    brokers: []\n",
		"ratio too big":  "detection:\n  chronic_late_ratio: 1.5\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestManagerUpdateAndReload(t *testing.T) {
	path := writeConfig(t, "config.yaml", "storage:\n  driver: memory\n")
	m, err := NewManager(path)
	require.NoError(t, err)

	next := *m.Get()
	next.Detection.LookbackDays = 7
	require.NoError(t, m.Update(&next))

	reloaded, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, 7, reloaded.Detection.LookbackDays)
	assert.Equal(t, 7, m.Get().Detection.LookbackDays)
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	assert.Equal(t, "sqlite", m.Get().Storage.Driver)
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
	assert.Equal(t, time.UTC, m.Get().DefaultLocation())
}
