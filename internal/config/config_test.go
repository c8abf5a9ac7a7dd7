package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Second, cfg.DedupWindow)
	assert.Equal(t, 10*time.Minute, cfg.OfflineThreshold)
	assert.Equal(t, 2*time.Minute, cfg.HealthInterval)
	assert.Equal(t, 5*time.Minute, cfg.CleanupInterval)
}

func TestParseYAML_OverlaysDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.parseYAML([]byte(`
http_addr: ":9000"
dedup_window: 20s
offline_threshold: 5m
escalate_after: 1h
devices:
  - device_id: door-lobby
    name: Lobby
    location: HQ
  - device_id: door-dock
`)))

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 20*time.Second, cfg.DedupWindow)
	assert.Equal(t, 5*time.Minute, cfg.OfflineThreshold)
	assert.Equal(t, time.Hour, cfg.EscalateAfter)
	assert.Equal(t, ":9090", cfg.GRPCAddr, "untouched keys keep their defaults")
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "Lobby", cfg.Devices[0].Name)
}

func TestParseYAML_RejectsUnknownKeys(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, cfg.parseYAML([]byte("dedup_windw: 20s\n")))
}

func TestParseYAML_EmptyFile(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.parseYAML(nil))
	assert.Equal(t, Defaults(), cfg)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TIMECLOCK_HTTP_ADDR":         ":8181",
		"TIMECLOCK_DEDUP_WINDOW":      "30s",
		"TIMECLOCK_BATCH_SIZE":        "50",
		"TIMECLOCK_RENOTIFY_INTERVAL": "1h",
		"TIMECLOCK_WEBHOOK_URL":       " https://hooks.example.com/tc ",
	}
	cfg := Defaults()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, ":8181", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.DedupWindow)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, time.Hour, cfg.RenotifyInterval)
	assert.Equal(t, "https://hooks.example.com/tc", cfg.WebhookURL)
}

func TestApplyEnv_ReportsEveryBadValue(t *testing.T) {
	env := map[string]string{
		"TIMECLOCK_DEDUP_WINDOW": "fifteen",
		"TIMECLOCK_BATCH_SIZE":   "-3",
	}
	cfg := Defaults()
	err := cfg.applyEnv(func(k string) string { return env[k] })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TIMECLOCK_DEDUP_WINDOW")
	assert.Contains(t, err.Error(), "TIMECLOCK_BATCH_SIZE")
	assert.Equal(t, 15*time.Second, cfg.DedupWindow)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dedup window", func(c *Config) { c.DedupWindow = 0 }},
		{"escalate before offline", func(c *Config) { c.EscalateAfter = time.Minute }},
		{"device without id", func(c *Config) { c.Devices = []Device{{Name: "x"}} }},
		{"duplicate device", func(c *Config) { c.Devices = []Device{{DeviceID: "a"}, {DeviceID: "a"}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Defaults()
	cfg.Env = "Staging"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "dev", cfg.Env)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeclock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":7000\"\nhealth_interval: 1m\n"), 0o600))

	t.Setenv("TIMECLOCK_CONFIG", path)
	t.Setenv("TIMECLOCK_HTTP_ADDR", ":7001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.HTTPAddr, "env wins over the file")
	assert.Equal(t, time.Minute, cfg.HealthInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("TIMECLOCK_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
