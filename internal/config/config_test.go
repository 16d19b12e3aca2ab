package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "@every 60s", cfg.Refresh.Spec)

	opts := cfg.Schedule.Options()
	assert.Equal(t, 3*time.Hour, opts.MatchTolerance)
	assert.Equal(t, 30*time.Minute, opts.DueWindow)
	assert.Equal(t, 60*time.Minute, opts.OverdueGrace)
	assert.Equal(t, 30, opts.DefaultWindowDays)
	assert.Equal(t, 3650, opts.MaxWindowDays)
	assert.Equal(t, time.Local, opts.Location)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MEDALERT_SERVER_PORT", "9000")
	t.Setenv("MEDALERT_SCHEDULE_DUE_WINDOW", "45m")
	t.Setenv("MEDALERT_SCHEDULE_TIMEZONE", "UTC")
	t.Setenv("MEDALERT_SCHEDULE_MAX_WINDOW_DAYS", "365")
	t.Setenv("MEDALERT_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MEDALERT_API_KEY", "secret-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 45*time.Minute, cfg.Schedule.DueWindow)
	assert.Equal(t, time.UTC, cfg.Schedule.Options().Location)
	assert.Equal(t, 365, cfg.Schedule.Options().MaxWindowDays)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "env-client", cfg.Auth.APIKeys["secret-key"])
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medalert.yaml")
	content := `
server:
  port: "7070"
schedule:
  overdue_grace: 90m
  default_window_days: 14
refresh:
  spec: "@every 5m"
  workers: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 90*time.Minute, cfg.Schedule.OverdueGrace)
	assert.Equal(t, 14, cfg.Schedule.DefaultWindowDays)
	assert.Equal(t, "@every 5m", cfg.Refresh.Spec)
	assert.Equal(t, 2, cfg.Refresh.Workers)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("MEDALERT_SCHEDULE_TIMEZONE", "Mars/Olympus_Mons")
	_, err := Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
