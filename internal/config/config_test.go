package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatcher.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hybrid", cfg.Type)
	assert.Equal(t, 30, cfg.TimeoutWorkerResponse)
	assert.Equal(t, 2, cfg.ProcessesWorkers)
	assert.Equal(t, 64, cfg.MaxConcurrentTileRequests)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.IsMaster())
}

func TestLoad_MasterAddress(t *testing.T) {
	path := writeConfig(t, `{"address": "0.0.0.0:8000"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsMaster())
	assert.Equal(t, "0.0.0.0:8000", cfg.Address)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, `{"not_an_option": true}`)
	_, err := Load(path)
	require.Error(t, err)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestLoad_UnknownBackendType(t *testing.T) {
	path := writeConfig(t, `{"type": "mapnik"}`)
	_, err := Load(path)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "type", ce.Field)
}

func TestValidate_Ranges(t *testing.T) {
	base := func() Config {
		return Config{
			Type:                      "raster",
			TimeoutWorkerResponse:     30,
			TimeoutPullJob:            10,
			ThreadWorkers:             4,
			ProcessesWorkers:          2,
			BlockingThreads:           8,
			ReloadTime:                "03:00:00",
			ReloadRepeatMinutes:       1,
			ReloadRepeatAttempts:      3,
			MaxConcurrentTileRequests: 64,
			LogLevel:                  "info",
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero worker timeout", func(c *Config) { c.TimeoutWorkerResponse = 0 }, "timeout_worker_response"},
		{"zero pull interval", func(c *Config) { c.TimeoutPullJob = 0 }, "timeout_pull_job"},
		{"zero thread workers", func(c *Config) { c.ThreadWorkers = 0 }, "thread_workers"},
		{"zero process workers", func(c *Config) { c.ProcessesWorkers = 0 }, "processes_workers"},
		{"zero blocking threads", func(c *Config) { c.BlockingThreads = 0 }, "blocking_threads"},
		{"bad reload time", func(c *Config) { c.ReloadTime = "25:99" }, "reload_time"},
		{"negative periodicity", func(c *Config) { c.ReloadPeriodicityDays = -1 }, "reload_periodicity_days"},
		{"zero repeat minutes", func(c *Config) { c.ReloadRepeatMinutes = 0 }, "reload_repeat_minutes"},
		{"zero repeat attempts", func(c *Config) { c.ReloadRepeatAttempts = 0 }, "reload_repeat_attempts"},
		{"zero admission cap", func(c *Config) { c.MaxConcurrentTileRequests = 0 }, "max_concurrent_tile_requests"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.field, ce.Field)
		})
	}

	cfg := base()
	assert.NoError(t, cfg.Validate())
}

func TestDBConfig_URL(t *testing.T) {
	d := DBConfig{Host: "db", Port: 5433, Name: "tiles", User: "u", Password: "p", PoolSize: 5}
	assert.Equal(t, "postgres://u:p@db:5433/tiles?pool_max_conns=5", d.URL())
}

func TestDBEnv(t *testing.T) {
	t.Setenv("DBHOST", "pg.internal")
	t.Setenv("DBPORT", "6432")
	t.Setenv("DBNAME", "geo")
	t.Setenv("DBUSER", "tiler")
	t.Setenv("DBPASS", "secret")
	t.Setenv("DBPOOLSIZE", "20")

	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pg.internal", cfg.DB.Host)
	assert.Equal(t, 6432, cfg.DB.Port)
	assert.Equal(t, "geo", cfg.DB.Name)
	assert.Equal(t, "tiler", cfg.DB.User)
	assert.Equal(t, "secret", cfg.DB.Password)
	assert.Equal(t, 20, cfg.DB.PoolSize)
}

func TestDurations(t *testing.T) {
	cfg := Config{
		TimeoutWorkerResponse: 15,
		TimeoutPullJob:        5,
		ReloadRepeatMinutes:   2,
		ReloadRepeatAttempts:  3,
	}
	assert.Equal(t, "15s", cfg.WorkerTimeout().String())
	assert.Equal(t, "5s", cfg.PullJobInterval().String())
	assert.Equal(t, "6m0s", cfg.DrainBudget().String())
}
