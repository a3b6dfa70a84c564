package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AgentConfig configures the device-side sync agent.
type AgentConfig struct {
	UserID       string
	Store        StoreConfig
	Remote       RemoteConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	HTTPAddress  string
	Logging      LoggingConfig
}

// StoreConfig selects the local record store.
type StoreConfig struct {
	Driver string // "sqlite" | "memory"
	Path   string
}

// RemoteConfig locates the activity service.
type RemoteConfig struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	PageSize int
}

// SyncConfig tunes the trigger dispatcher and reconciler.
type SyncConfig struct {
	PeriodSeconds     int
	MaxBackoffSeconds int
	RequireUnmetered  bool
	RetainSnapshot    bool
}

// ConnectivityConfig selects how reachability is observed.
type ConnectivityConfig struct {
	ProbeInterval time.Duration // zero disables the HTTP prober
	StateFile     string        // empty disables the state-file watcher
}

// Period returns the periodic trigger interval.
func (s SyncConfig) Period() time.Duration {
	return time.Duration(s.PeriodSeconds) * time.Second
}

// MaxBackoff returns the backoff ceiling.
func (s SyncConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffSeconds) * time.Second
}

// NewAgentViper returns a viper instance with agent defaults and FITSYNC_* environment binding.
// Nested keys map to env vars with dots replaced by underscores, e.g. FITSYNC_REMOTE_BASE_URL.
func NewAgentViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("FITSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("user_id", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "fitsync.db")
	v.SetDefault("remote.base_url", "http://localhost:8080")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.page_size", 100)
	v.SetDefault("sync.period_seconds", 900)
	v.SetDefault("sync.max_backoff_seconds", 3600)
	v.SetDefault("sync.require_unmetered", false)
	v.SetDefault("sync.retain_snapshot", false)
	v.SetDefault("connectivity.probe_interval", 30*time.Second)
	v.SetDefault("connectivity.state_file", "")
	v.SetDefault("http.address", "127.0.0.1:8787")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	return v
}

// BindFlags binds command-line flags to viper keys. Flag names use dashes, keys use dots.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := flags.Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// LoadAgent reads the optional config file and resolves an AgentConfig from v.
// A missing file at the default location is not an error; an explicit path must exist.
func LoadAgent(v *viper.Viper, file string) (AgentConfig, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return AgentConfig{}, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("fitsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return AgentConfig{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := AgentConfig{
		UserID: strings.TrimSpace(v.GetString("user_id")),
		Store: StoreConfig{
			Driver: v.GetString("store.driver"),
			Path:   v.GetString("store.path"),
		},
		Remote: RemoteConfig{
			BaseURL:  strings.TrimRight(v.GetString("remote.base_url"), "/"),
			Token:    v.GetString("remote.token"),
			Timeout:  v.GetDuration("remote.timeout"),
			PageSize: v.GetInt("remote.page_size"),
		},
		Sync: SyncConfig{
			PeriodSeconds:     v.GetInt("sync.period_seconds"),
			MaxBackoffSeconds: v.GetInt("sync.max_backoff_seconds"),
			RequireUnmetered:  v.GetBool("sync.require_unmetered"),
			RetainSnapshot:    v.GetBool("sync.retain_snapshot"),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: v.GetDuration("connectivity.probe_interval"),
			StateFile:     v.GetString("connectivity.state_file"),
		},
		HTTPAddress: v.GetString("http.address"),
		Logging: LoggingConfig{
			Level:      parseLevel(v.GetString("log.level")),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail later at runtime.
func (c AgentConfig) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}
	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be > 0")
	}
	if c.Sync.PeriodSeconds <= 0 {
		return errors.New("sync.period_seconds must be > 0")
	}
	if c.Sync.MaxBackoffSeconds < c.Sync.PeriodSeconds {
		return errors.New("sync.max_backoff_seconds must be >= sync.period_seconds")
	}
	return nil
}
