// Package config loads complyflow settings from complyflow.yaml and
// COMPLYFLOW_* environment variables.
//
// Environment variables override the file; nested keys use '_' in place of
// '.', so store.dsn is COMPLYFLOW_STORE_DSN.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/roach88/complyflow/internal/watcher"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the configuration for complyflow.
type Config struct {
	Store struct {
		Driver  string `mapstructure:"driver"`
		DSN     string `mapstructure:"dsn"`
		Catalog string `mapstructure:"catalog"`
	} `mapstructure:"store"`
	NATS struct {
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"nats"`
	Watcher struct {
		Tenant       string `mapstructure:"tenant"`
		MajorChanged int    `mapstructure:"major_changed"`
		MinorAdded   int    `mapstructure:"minor_added"`
	} `mapstructure:"watcher"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Load reads configuration. If path is empty, complyflow.yaml is looked up
// in the working directory and ./config; a missing file is not an error.
// An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COMPLYFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("complyflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "complyflow.db")
	v.SetDefault("store.catalog", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "complyflow.drift")
	v.SetDefault("watcher.tenant", "default")
	v.SetDefault("watcher.major_changed", watcher.MajorChangeThreshold)
	v.SetDefault("watcher.minor_added", watcher.MinorAddedThreshold)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks enumerated values and thresholds.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config: store.driver %q: must be %s or %s", c.Store.Driver, DriverSQLite, DriverPostgres)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn is required")
	}
	if c.Watcher.MajorChanged < 1 || c.Watcher.MinorAdded < 1 {
		return fmt.Errorf("config: watcher thresholds must be positive")
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format %q: must be text or json", c.Log.Format)
	}
	return nil
}

// CatalogPath is the SQLite file holding the artifact catalog. It defaults
// to the snapshot database when that is SQLite, and to complyflow.db
// otherwise.
func (c *Config) CatalogPath() string {
	switch {
	case c.Store.Catalog != "":
		return c.Store.Catalog
	case c.Store.Driver == DriverSQLite:
		return c.Store.DSN
	default:
		return "complyflow.db"
	}
}

// Severity returns the watcher severity function for the configured
// thresholds.
func (c *Config) Severity() watcher.SeverityFunc {
	return watcher.ThresholdSeverity(c.Watcher.MajorChanged, c.Watcher.MinorAdded)
}

// Logger builds a slog logger writing to w. verbose forces debug level.
func (c *Config) Logger(w io.Writer, verbose bool) *slog.Logger {
	level, _ := c.level()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c *Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log.level %q: %w", c.Log.Level, err)
	}
	return level, nil
}
