package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// BookmarkPersistence selects how a channel's resume token is stored.
const (
	BookmarkDatabase = "Database"
	BookmarkNone     = "None"
)

// Duration is a time.Duration that unmarshals from Go duration strings
// ("500ms", "72h") or plain nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %v", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := unmarshal(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Ignore      IgnoreConfig      `yaml:"ignore"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Response    ResponseConfig    `yaml:"response"`
	Admin       AdminConfig       `yaml:"admin"`
}

type StoreConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Redis, when set, backs bookmarks with Redis instead of the database.
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ChannelConfig struct {
	Name                string `yaml:"name"`
	Enabled             *bool  `yaml:"enabled"` // nil means true
	XPathFilter         string `yaml:"xpath_filter"`
	BookmarkPersistence string `yaml:"bookmark_persistence"` // Database | None
	MaxQueue            int    `yaml:"max_queue"`            // per-channel override
}

// IsEnabled applies the default-true semantics of the enabled flag.
func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Persistence returns the effective bookmark persistence mode.
func (c ChannelConfig) Persistence() string {
	if c.BookmarkPersistence == "" {
		return BookmarkDatabase
	}
	return c.BookmarkPersistence
}

type WatcherConfig struct {
	Channels              []ChannelConfig `yaml:"channels"`
	DefaultMaxQueue       int             `yaml:"default_max_queue"`
	ConsumerConcurrency   int             `yaml:"consumer_concurrency"`
	ImmediateBroadcast    bool            `yaml:"immediate_broadcast"`
	BookmarkFlushInterval Duration        `yaml:"bookmark_flush_interval"`
}

type IgnorePatternConfig struct {
	Sequence            []IgnoreStepConfig `yaml:"sequence"`
	Reason              string             `yaml:"reason"`
	IgnoreAllInSequence bool               `yaml:"ignore_all_in_sequence"`
}

type IgnoreStepConfig struct {
	EventTypes     []string `yaml:"event_types"`
	MITRE          []string `yaml:"mitre"`
	SourceMachines []string `yaml:"source_machines"`
	AccountNames   []string `yaml:"account_names"`
	LogonTypes     []string `yaml:"logon_types"`
}

type IgnoreConfig struct {
	Enabled                   bool                  `yaml:"enabled"`
	FilterAllLocalEvents      bool                  `yaml:"filter_all_local_events"`
	LocalMachines             []string              `yaml:"local_machines"`
	MaxRecentEvents           int                   `yaml:"max_recent_events"`
	SequenceTimeWindowSeconds int                   `yaml:"sequence_time_window_seconds"`
	Patterns                  []IgnorePatternConfig `yaml:"patterns"`
}

type CorrelationConfig struct {
	RetentionMaxAge Duration `yaml:"retention_max_age"`
	// MinTrainingSamples is the floor below which TrainModels only records
	// a warning.
	MinTrainingSamples int `yaml:"min_training_samples"`
}

type ResponseConfig struct {
	// MaxPendingActionsPerConversation caps pending actions per
	// conversation. nil means the default of 10; an explicit 0 rejects
	// every suggestion.
	MaxPendingActionsPerConversation *int                `yaml:"max_pending_actions_per_conversation"`
	AutoExpire                       bool                `yaml:"auto_expire"`
	PendingExpiration                Duration            `yaml:"pending_expiration"`
	DefaultUndoWindow                Duration            `yaml:"default_undo_window"`
	UndoWindows                      map[string]Duration `yaml:"undo_windows"` // per action type
}

type AdminConfig struct {
	// Addr serves /health and /metrics; empty disables the admin server.
	Addr string `yaml:"addr"`
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "castellan.db"
	}
	if c.Watcher.DefaultMaxQueue <= 0 {
		c.Watcher.DefaultMaxQueue = 1000
	}
	if c.Watcher.ConsumerConcurrency <= 0 {
		c.Watcher.ConsumerConcurrency = 2
	}
	if c.Watcher.BookmarkFlushInterval <= 0 {
		c.Watcher.BookmarkFlushInterval = Duration(500 * time.Millisecond)
	}
	if c.Ignore.MaxRecentEvents <= 0 {
		c.Ignore.MaxRecentEvents = 200
	}
	if c.Correlation.RetentionMaxAge <= 0 {
		c.Correlation.RetentionMaxAge = Duration(7 * 24 * time.Hour)
	}
	if c.Correlation.MinTrainingSamples <= 0 {
		c.Correlation.MinTrainingSamples = 10
	}
	if c.Response.MaxPendingActionsPerConversation == nil {
		defaultQuota := 10
		c.Response.MaxPendingActionsPerConversation = &defaultQuota
	}
	if c.Response.PendingExpiration <= 0 {
		c.Response.PendingExpiration = Duration(30 * time.Minute)
	}
	if c.Response.DefaultUndoWindow <= 0 {
		c.Response.DefaultUndoWindow = Duration(72 * time.Hour)
	}
}
