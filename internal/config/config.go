// Package config loads desk settings from defaults, an optional config
// file, DESK_* environment variables and command-line flags, in increasing
// order of precedence.
//
// Keys are dotted and lower case, e.g. sync.interval or remote.url. The
// matching environment variable replaces dots with underscores:
// DESK_SYNC_INTERVAL, DESK_REMOTE_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/essaydesk/deskstore/internal/store"
)

// CatchAllCollection is the legacy channel name that sees every change on
// the dashboard.
const CatchAllCollection = "orders"

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Foreground modes for the scheduler.
const (
	// ForegroundAlways runs every scheduled tick.
	ForegroundAlways = "always"
	// ForegroundClients runs scheduled ticks only while a dashboard client
	// is connected.
	ForegroundClients = "clients"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the decoded, validated configuration.
type Config struct {
	DataDir string

	Store struct {
		Backend string
		Path    string
	}

	Remote struct {
		URL     string
		Token   string
		Timeout time.Duration
	}

	Sync struct {
		Interval    time.Duration
		MinInterval time.Duration
		MaxRetries  int
		RetryBase   time.Duration
		RetryMax    time.Duration
		StaleAfter  time.Duration
		Foreground  string
	}

	Dashboard struct {
		Enabled  bool
		Addr     string
		CatchAll string
	}

	Inbox struct {
		Enabled  bool
		Dir      string
		Debounce time.Duration
	}

	Log struct {
		File       string
		Stderr     bool
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	Policies store.Policies

	// File is the config file that was read, or "".
	File string
}

// SetDefaults registers every key with its default value. Keys must be
// registered for environment variables to be picked up.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".desk")

	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.path", "")

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", "15s")

	v.SetDefault("sync.interval", "10s")
	v.SetDefault("sync.min_interval", "1s")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_base", "1s")
	v.SetDefault("sync.retry_max", "10s")
	v.SetDefault("sync.stale_after", "0s")
	v.SetDefault("sync.foreground", ForegroundAlways)

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.addr", "127.0.0.1:8080")
	v.SetDefault("dashboard.catch_all", CatchAllCollection)

	v.SetDefault("inbox.enabled", false)
	v.SetDefault("inbox.dir", "")
	v.SetDefault("inbox.debounce", "200ms")

	v.SetDefault("log.file", "")
	v.SetDefault("log.stderr", true)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	def := store.DefaultPolicy()
	v.SetDefault("policy.state_field", def.StateField)
	v.SetDefault("policy.open_states", def.OpenStates)
	v.SetDefault("policy.owner_field", def.OwnerField)
}

// New returns a viper instance with defaults and DESK_* environment
// binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("DESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads path, or when path is empty searches for desk.yaml (or
// .toml/.json) in ./.desk and $HOME/.config/desk. A missing search result
// is not an error; a missing explicit path is.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("desk")
		v.AddConfigPath(".desk")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "desk"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{File: v.ConfigFileUsed()}

	c.DataDir = v.GetString("data_dir")

	c.Store.Backend = strings.ToLower(v.GetString("store.backend"))
	c.Store.Path = v.GetString("store.path")

	c.Remote.URL = v.GetString("remote.url")
	c.Remote.Token = v.GetString("remote.token")
	c.Remote.Timeout = v.GetDuration("remote.timeout")

	c.Sync.Interval = v.GetDuration("sync.interval")
	c.Sync.MinInterval = v.GetDuration("sync.min_interval")
	c.Sync.MaxRetries = v.GetInt("sync.max_retries")
	c.Sync.RetryBase = v.GetDuration("sync.retry_base")
	c.Sync.RetryMax = v.GetDuration("sync.retry_max")
	c.Sync.StaleAfter = v.GetDuration("sync.stale_after")
	c.Sync.Foreground = strings.ToLower(v.GetString("sync.foreground"))

	c.Dashboard.Enabled = v.GetBool("dashboard.enabled")
	c.Dashboard.Addr = v.GetString("dashboard.addr")
	c.Dashboard.CatchAll = v.GetString("dashboard.catch_all")

	c.Inbox.Enabled = v.GetBool("inbox.enabled")
	c.Inbox.Dir = v.GetString("inbox.dir")
	c.Inbox.Debounce = v.GetDuration("inbox.debounce")

	c.Log.File = v.GetString("log.file")
	c.Log.Stderr = v.GetBool("log.stderr")
	c.Log.MaxSizeMB = v.GetInt("log.max_size_mb")
	c.Log.MaxBackups = v.GetInt("log.max_backups")
	c.Log.MaxAgeDays = v.GetInt("log.max_age_days")
	c.Log.Compress = v.GetBool("log.compress")

	c.Policies = loadPolicies(v)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadPolicies reads policy.* as the default and policies.<collection>.*
// as overrides. An override inherits unset fields from the default.
//
// Viper lower-cases keys, so collection names under policies match
// lower-case collection names only.
func loadPolicies(v *viper.Viper) store.Policies {
	def := store.Policy{
		StateField: v.GetString("policy.state_field"),
		OpenStates: v.GetStringSlice("policy.open_states"),
		OwnerField: v.GetString("policy.owner_field"),
	}
	ps := store.Policies{Default: def}

	names := make([]string, 0)
	for name := range v.GetStringMap("policies") {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := def
		prefix := "policies." + name + "."
		if v.IsSet(prefix + "state_field") {
			p.StateField = v.GetString(prefix + "state_field")
		}
		if v.IsSet(prefix + "open_states") {
			p.OpenStates = v.GetStringSlice(prefix + "open_states")
		}
		if v.IsSet(prefix + "owner_field") {
			p.OwnerField = v.GetString(prefix + "owner_field")
		}
		if ps.ByCollection == nil {
			ps.ByCollection = make(map[string]store.Policy)
		}
		ps.ByCollection[name] = p
	}
	return ps
}

// Validate checks value ranges and fills derived paths.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("%w: store.backend must be file, sqlite or memory, got %q", ErrInvalid, c.Store.Backend)
	}
	if c.Store.Backend != BackendMemory && c.DataDir == "" && c.Store.Path == "" {
		return fmt.Errorf("%w: data_dir or store.path is required", ErrInvalid)
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("%w: sync.interval must be positive", ErrInvalid)
	}
	if c.Sync.MinInterval < 0 {
		return fmt.Errorf("%w: sync.min_interval cannot be negative", ErrInvalid)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("%w: sync.max_retries cannot be negative", ErrInvalid)
	}
	if c.Sync.RetryBase <= 0 {
		return fmt.Errorf("%w: sync.retry_base must be positive", ErrInvalid)
	}
	if c.Sync.RetryMax < c.Sync.RetryBase {
		return fmt.Errorf("%w: sync.retry_max must be at least sync.retry_base", ErrInvalid)
	}
	if c.Sync.StaleAfter < 0 {
		return fmt.Errorf("%w: sync.stale_after cannot be negative", ErrInvalid)
	}
	switch c.Sync.Foreground {
	case ForegroundAlways, ForegroundClients:
	default:
		return fmt.Errorf("%w: sync.foreground must be always or clients, got %q", ErrInvalid, c.Sync.Foreground)
	}
	if c.Sync.Foreground == ForegroundClients && !c.Dashboard.Enabled {
		return fmt.Errorf("%w: sync.foreground=clients requires the dashboard", ErrInvalid)
	}

	if c.Remote.URL != "" && c.Remote.Timeout <= 0 {
		return fmt.Errorf("%w: remote.timeout must be positive", ErrInvalid)
	}

	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		return fmt.Errorf("%w: dashboard.addr is required when the dashboard is enabled", ErrInvalid)
	}

	if c.Inbox.Dir == "" && c.DataDir != "" {
		c.Inbox.Dir = filepath.Join(c.DataDir, "inbox")
	}
	if c.Inbox.Enabled && c.Inbox.Dir == "" {
		return fmt.Errorf("%w: inbox.dir is required when the inbox is enabled", ErrInvalid)
	}
	if c.Inbox.Debounce <= 0 {
		return fmt.Errorf("%w: inbox.debounce must be positive", ErrInvalid)
	}

	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("%w: log.max_size_mb must be positive", ErrInvalid)
	}

	if c.Policies.Default.StateField == "" {
		return fmt.Errorf("%w: policy.state_field is required", ErrInvalid)
	}
	return nil
}

// StorePath returns where the configured backend persists, defaulting to
// state.json or desk.db under the data directory. It is empty for the
// memory backend.
func (c *Config) StorePath() string {
	switch {
	case c.Store.Backend == BackendMemory:
		return ""
	case c.Store.Path != "":
		return c.Store.Path
	case c.Store.Backend == BackendSQLite:
		return filepath.Join(c.DataDir, "desk.db")
	default:
		return filepath.Join(c.DataDir, "state.json")
	}
}

// HasRemote reports whether a remote authority is configured.
func (c *Config) HasRemote() bool {
	return c.Remote.URL != ""
}
