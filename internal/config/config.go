// Package config loads tracker settings from defaults, an optional YAML
// file, ARCADIA_TRACKER_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "ARCADIA_TRACKER"

// DevAPIKey is accepted so a local instance starts without setup, but
// Run warns loudly when it is in use.
const DevAPIKey = "arcadia-tracker-dev-key-do-not-use-in-production"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Listen     string     `mapstructure:"listen"`
	APIKey     string     `mapstructure:"api_key"`
	Announce   Announce   `mapstructure:"announce"`
	Reconcile  Reconcile  `mapstructure:"reconcile"`
	RateLimit  RateLimit  `mapstructure:"ratelimit"`
	ClientList ClientList `mapstructure:"clientlist"`
	Database   Database   `mapstructure:"database"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Log        Log        `mapstructure:"log"`
	HTTP       HTTP       `mapstructure:"http"`
}

type Announce struct {
	Interval       time.Duration `mapstructure:"interval"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
	DefaultNumWant int           `mapstructure:"default_numwant"`
	MaxNumWant     int           `mapstructure:"max_numwant"`
}

type Reconcile struct {
	// Interval between passes; zero means the announce interval.
	Interval         time.Duration `mapstructure:"interval"`
	PeerExpiryFactor float64       `mapstructure:"peer_expiry_factor"`
}

type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type ClientList struct {
	Path string `mapstructure:"path"`
}

type Database struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

type Log struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // text, json
	Output     string `mapstructure:"output"` // stdout, stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type HTTP struct {
	AccessLog  bool `mapstructure:"access_log"`
	TrustProxy bool `mapstructure:"trust_proxy"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen: ":8080",
		APIKey: DevAPIKey,
		Announce: Announce{
			Interval:       30 * time.Minute,
			MinInterval:    5 * time.Minute,
			DefaultNumWant: 50,
			MaxNumWant:     200,
		},
		Reconcile: Reconcile{PeerExpiryFactor: 2.0},
		RateLimit: RateLimit{Burst: 20},
		Database:  Database{MaxConns: 4},
		Metrics:   Metrics{Enabled: true},
		Log: Log{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		HTTP: HTTP{AccessLog: true},
	}
}

// New returns a viper instance with every key defaulted and environment
// lookups enabled. Keys must have a default to be visible to Unmarshal.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen", d.Listen)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("announce.interval", d.Announce.Interval)
	v.SetDefault("announce.min_interval", d.Announce.MinInterval)
	v.SetDefault("announce.default_numwant", d.Announce.DefaultNumWant)
	v.SetDefault("announce.max_numwant", d.Announce.MaxNumWant)
	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.peer_expiry_factor", d.Reconcile.PeerExpiryFactor)
	v.SetDefault("ratelimit.rps", d.RateLimit.RPS)
	v.SetDefault("ratelimit.burst", d.RateLimit.Burst)
	v.SetDefault("clientlist.path", d.ClientList.Path)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("http.access_log", d.HTTP.AccessLog)
	v.SetDefault("http.trust_proxy", d.HTTP.TrustProxy)
}

// Load reads cfgFile when set, decodes v and validates the result.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting the tracker cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Listen == "":
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	case c.APIKey == "":
		return fmt.Errorf("%w: api_key is empty", ErrInvalid)
	case c.Announce.Interval <= 0:
		return fmt.Errorf("%w: announce.interval must be positive", ErrInvalid)
	case c.Announce.MinInterval <= 0:
		return fmt.Errorf("%w: announce.min_interval must be positive", ErrInvalid)
	case c.Announce.MinInterval > c.Announce.Interval:
		return fmt.Errorf("%w: announce.min_interval exceeds announce.interval", ErrInvalid)
	case c.Announce.DefaultNumWant < 0:
		return fmt.Errorf("%w: announce.default_numwant is negative", ErrInvalid)
	case c.Announce.MaxNumWant < c.Announce.DefaultNumWant:
		return fmt.Errorf("%w: announce.max_numwant %d < default_numwant %d",
			ErrInvalid, c.Announce.MaxNumWant, c.Announce.DefaultNumWant)
	case c.Reconcile.Interval < 0:
		return fmt.Errorf("%w: reconcile.interval is negative", ErrInvalid)
	case c.Reconcile.PeerExpiryFactor < 1:
		return fmt.Errorf("%w: reconcile.peer_expiry_factor must be at least 1", ErrInvalid)
	case c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0:
		return fmt.Errorf("%w: ratelimit.burst must be positive", ErrInvalid)
	}
	return nil
}
