// Package config loads and validates the dispatcher configuration document
// and initializes the global logger.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConfigError reports a single invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config is the immutable dispatcher configuration snapshot handed to every
// component at startup.
type Config struct {
	Type                      string `json:"type" mapstructure:"type"`
	Address                   string `json:"address" mapstructure:"address"`
	TimeoutWorkerResponse     int    `json:"timeout_worker_response" mapstructure:"timeout_worker_response"`
	TimeoutPullJob            int    `json:"timeout_pull_job" mapstructure:"timeout_pull_job"`
	ThreadWorkers             int    `json:"thread_workers" mapstructure:"thread_workers"`
	ProcessesWorkers          int    `json:"processes_workers" mapstructure:"processes_workers"`
	BlockingThreads           int    `json:"blocking_threads" mapstructure:"blocking_threads"`
	ReloadTime                string `json:"reload_time" mapstructure:"reload_time"`
	ReloadPeriodicityDays     int    `json:"reload_periodicity_days" mapstructure:"reload_periodicity_days"`
	ReloadRepeatMinutes       int    `json:"reload_repeat_minutes" mapstructure:"reload_repeat_minutes"`
	ReloadRepeatAttempts      int    `json:"reload_repeat_attempts" mapstructure:"reload_repeat_attempts"`
	MaxConcurrentTileRequests int    `json:"max_concurrent_tile_requests" mapstructure:"max_concurrent_tile_requests"`
	LogLevel                  string `json:"log_level" mapstructure:"log_level"`

	DB DBConfig `json:"-" mapstructure:"-"`
}

// DBConfig holds Postgres connection parameters, consumed from the
// environment at startup.
type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	PoolSize int
}

// URL renders the pgx connection string.
func (d DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		d.User, d.Password, d.Host, d.Port, d.Name, d.PoolSize)
}

// backendTypes is the closed set of worker runtimes the dispatcher can spawn.
var backendTypes = map[string]bool{
	"raster": true,
	"vector": true,
	"hybrid": true,
}

// WorkerTimeout returns the per-request worker budget as a Duration.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.TimeoutWorkerResponse) * time.Second
}

// PullJobInterval returns the queue poll interval as a Duration.
func (c *Config) PullJobInterval() time.Duration {
	return time.Duration(c.TimeoutPullJob) * time.Second
}

// DrainBudget returns the total rolling-reload drain budget for one worker.
func (c *Config) DrainBudget() time.Duration {
	return time.Duration(c.ReloadRepeatMinutes*c.ReloadRepeatAttempts) * time.Minute
}

// IsMaster reports whether this node owns a public address and the queue
// runner.
func (c *Config) IsMaster() bool {
	return c.Address != ""
}

// Load reads the dispatcher configuration from the given JSON file (empty
// path = ./dispatcher.json) plus TILESERV_-prefixed environment overrides,
// validates it fully, and returns the snapshot.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dispatcher")
		v.SetConfigType("json")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TILESERV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("type", "hybrid")
	v.SetDefault("timeout_worker_response", 30)
	v.SetDefault("timeout_pull_job", 10)
	v.SetDefault("thread_workers", 4)
	v.SetDefault("processes_workers", 2)
	v.SetDefault("blocking_threads", 8)
	v.SetDefault("reload_time", "03:00:00")
	v.SetDefault("reload_periodicity_days", 0)
	v.SetDefault("reload_repeat_minutes", 1)
	v.SetDefault("reload_repeat_attempts", 3)
	v.SetDefault("max_concurrent_tile_requests", 64)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	// ErrorUnused rejects unknown fields in the document.
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	}); err != nil {
		return nil, &ConfigError{Field: "(document)", Reason: err.Error()}
	}

	cfg.DB = loadDBEnv(v)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDBEnv reads the DBHOST/DBPORT/DBNAME/DBUSER/DBPASS/DBPOOLSIZE
// environment variables.
func loadDBEnv(v *viper.Viper) DBConfig {
	for _, key := range []string{"DBHOST", "DBPORT", "DBNAME", "DBUSER", "DBPASS", "DBPOOLSIZE"} {
		_ = v.BindEnv(key, key)
	}
	v.SetDefault("DBHOST", "localhost")
	v.SetDefault("DBPORT", 5432)
	v.SetDefault("DBNAME", "tileserv")
	v.SetDefault("DBUSER", "postgres")
	v.SetDefault("DBPASS", "")
	v.SetDefault("DBPOOLSIZE", 10)

	return DBConfig{
		Host:     v.GetString("DBHOST"),
		Port:     v.GetInt("DBPORT"),
		Name:     v.GetString("DBNAME"),
		User:     v.GetString("DBUSER"),
		Password: v.GetString("DBPASS"),
		PoolSize: v.GetInt("DBPOOLSIZE"),
	}
}

// Validate checks every field against its closed set or numeric range.
// The first violation is returned as a ConfigError.
func (c *Config) Validate() error {
	if !backendTypes[c.Type] {
		return &ConfigError{Field: "type", Reason: fmt.Sprintf("unknown backend %q", c.Type)}
	}
	if c.TimeoutWorkerResponse <= 0 {
		return &ConfigError{Field: "timeout_worker_response", Reason: "must be > 0"}
	}
	if c.TimeoutPullJob <= 0 {
		return &ConfigError{Field: "timeout_pull_job", Reason: "must be > 0"}
	}
	if c.ThreadWorkers < 1 {
		return &ConfigError{Field: "thread_workers", Reason: "must be >= 1"}
	}
	if c.ProcessesWorkers < 1 {
		return &ConfigError{Field: "processes_workers", Reason: "must be >= 1"}
	}
	if c.BlockingThreads < 1 {
		return &ConfigError{Field: "blocking_threads", Reason: "must be >= 1"}
	}
	if _, err := time.Parse("15:04:05", c.ReloadTime); err != nil {
		return &ConfigError{Field: "reload_time", Reason: "must be HH:MM:SS"}
	}
	if c.ReloadPeriodicityDays < 0 {
		return &ConfigError{Field: "reload_periodicity_days", Reason: "must be >= 0"}
	}
	if c.ReloadRepeatMinutes < 1 {
		return &ConfigError{Field: "reload_repeat_minutes", Reason: "must be >= 1"}
	}
	if c.ReloadRepeatAttempts < 1 {
		return &ConfigError{Field: "reload_repeat_attempts", Reason: "must be >= 1"}
	}
	if c.MaxConcurrentTileRequests < 1 {
		return &ConfigError{Field: "max_concurrent_tile_requests", Reason: "must be >= 1"}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return &ConfigError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(level string) error {
	zapCfg := zap.NewProductionConfig()

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(lvl)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
