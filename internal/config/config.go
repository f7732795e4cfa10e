// Package config loads docsync settings from config.yaml, DOCSYNC_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DirName is the per-project directory holding config.yaml and data.
const DirName = ".docsync"

var v *viper.Viper

// Initialize sets up the viper configuration singleton. explicitPath, when
// set, must exist. Otherwise the first of these is used:
//  1. .docsync/config.yaml in the working directory or any parent
//  2. <user config dir>/docsync/config.yaml
//
// With no file, defaults and environment variables still apply.
func Initialize(explicitPath string) error {
	v = viper.New()
	v.SetConfigType("yaml")

	configPath := explicitPath
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file %s: %w", configPath, err)
		}
	} else {
		configPath = findConfig()
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// DOCSYNC_SYNC_MIN_INTERVAL maps to sync.min_interval
	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func findConfig() string {
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			p := filepath.Join(dir, DirName, "config.yaml")
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(configDir, "docsync", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func defaults() map[string]any {
	return map[string]any{
		"server.url":        "",
		"server.token_file": "",

		"data.dir": "",

		"sync.min_interval":       "30s",
		"sync.cycle_timeout":      "30s",
		"sync.request_timeout":    "10s",
		"sync.probe_interval":     "15s",
		"sync.periodic_interval":  "5m",
		"sync.batch_size":         50,
		"sync.fetch_concurrency":  4,
		"sync.max_retries":        3,
		"sync.max_local_edit_age": "0s",

		"store.flush_interval":  "2s",
		"store.max_entry_bytes": 256 << 10,
		"store.quota_bytes":     5 << 20,

		"dashboard.port": 8080,

		"log.file":         "",
		"log.max_size_mb":  10,
		"log.max_backups":  3,
		"log.max_age_days": 28,
	}
}

// ResetForTesting clears the config state, allowing Initialize() to be called again.
func ResetForTesting() {
	v = nil
}

// ConfigFileUsed returns the path of the loaded config file, or "".
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Set overrides a value, typically from a command-line flag.
func Set(key string, value any) {
	if v != nil {
		v.Set(key, value)
	}
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Settings is a typed snapshot of the configuration.
type Settings struct {
	ServerURL string
	TokenFile string
	DataDir   string

	Sync      SyncSettings
	Store     StoreSettings
	Dashboard DashboardSettings
	Log       LogSettings
}

// SyncSettings tunes the scheduler, manifest engine and operation log.
type SyncSettings struct {
	MinInterval      time.Duration
	CycleTimeout     time.Duration
	RequestTimeout   time.Duration
	ProbeInterval    time.Duration
	PeriodicInterval time.Duration
	BatchSize        int
	FetchConcurrency int
	MaxRetries       int
	MaxLocalEditAge  time.Duration
}

// StoreSettings bounds the record store.
type StoreSettings struct {
	FlushInterval time.Duration
	MaxEntryBytes int
	QuotaBytes    int64
}

// DashboardSettings configures the status server.
type DashboardSettings struct {
	Port int
}

// LogSettings configures the daemon log file. An empty File means stderr.
type LogSettings struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load returns the current settings. Initialize must have been called.
func Load() (Settings, error) {
	if v == nil {
		return Settings{}, fmt.Errorf("config not initialized")
	}

	s := fromViper(v)

	if s.DataDir == "" {
		s.DataDir = defaultDataDir()
	} else if !filepath.IsAbs(s.DataDir) {
		if used := v.ConfigFileUsed(); used != "" {
			s.DataDir = filepath.Join(filepath.Dir(used), s.DataDir)
		}
	}
	if s.TokenFile == "" {
		s.TokenFile = filepath.Join(s.DataDir, "token")
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// fromViper reads the typed settings out of src without resolving paths.
func fromViper(src *viper.Viper) Settings {
	return Settings{
		ServerURL: strings.TrimSpace(src.GetString("server.url")),
		TokenFile: expandHome(src.GetString("server.token_file")),
		DataDir:   expandHome(src.GetString("data.dir")),
		Sync: SyncSettings{
			MinInterval:      src.GetDuration("sync.min_interval"),
			CycleTimeout:     src.GetDuration("sync.cycle_timeout"),
			RequestTimeout:   src.GetDuration("sync.request_timeout"),
			ProbeInterval:    src.GetDuration("sync.probe_interval"),
			PeriodicInterval: src.GetDuration("sync.periodic_interval"),
			BatchSize:        src.GetInt("sync.batch_size"),
			FetchConcurrency: src.GetInt("sync.fetch_concurrency"),
			MaxRetries:       src.GetInt("sync.max_retries"),
			MaxLocalEditAge:  src.GetDuration("sync.max_local_edit_age"),
		},
		Store: StoreSettings{
			FlushInterval: src.GetDuration("store.flush_interval"),
			MaxEntryBytes: src.GetInt("store.max_entry_bytes"),
			QuotaBytes:    src.GetInt64("store.quota_bytes"),
		},
		Dashboard: DashboardSettings{Port: src.GetInt("dashboard.port")},
		Log: LogSettings{
			File:       expandHome(src.GetString("log.file")),
			MaxSizeMB:  src.GetInt("log.max_size_mb"),
			MaxBackups: src.GetInt("log.max_backups"),
			MaxAgeDays: src.GetInt("log.max_age_days"),
		},
	}
}

// Defaults returns the built-in settings rooted at dataDir, ignoring any
// config file or environment.
func Defaults(dataDir string) Settings {
	d := viper.New()
	for key, value := range defaults() {
		d.SetDefault(key, value)
	}
	s := fromViper(d)
	s.DataDir = dataDir
	s.TokenFile = filepath.Join(dataDir, "token")
	return s
}

// defaultDataDir is the directory of the config file in use, or
// ~/.docsync without one.
func defaultDataDir() string {
	if used := ConfigFileUsed(); used != "" {
		return filepath.Dir(used)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, DirName)
	}
	return DirName
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate checks the settings for values the engine cannot run with.
func (s *Settings) Validate() error {
	if s.Sync.MinInterval < 0 {
		return fmt.Errorf("sync.min_interval cannot be negative")
	}
	if s.Sync.CycleTimeout <= 0 {
		return fmt.Errorf("sync.cycle_timeout must be positive")
	}
	if s.Sync.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout must be positive")
	}
	if s.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1 (got %d)", s.Sync.BatchSize)
	}
	if s.Sync.FetchConcurrency < 1 {
		return fmt.Errorf("sync.fetch_concurrency must be at least 1 (got %d)", s.Sync.FetchConcurrency)
	}
	if s.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1 (got %d)", s.Sync.MaxRetries)
	}
	if s.Sync.MaxLocalEditAge < 0 {
		return fmt.Errorf("sync.max_local_edit_age cannot be negative")
	}
	if s.Store.MaxEntryBytes < 1024 {
		return fmt.Errorf("store.max_entry_bytes must be at least 1024 (got %d)", s.Store.MaxEntryBytes)
	}
	if s.Store.QuotaBytes < int64(s.Store.MaxEntryBytes) {
		return fmt.Errorf("store.quota_bytes (%d) must be at least store.max_entry_bytes (%d)",
			s.Store.QuotaBytes, s.Store.MaxEntryBytes)
	}
	if s.Dashboard.Port < 0 || s.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", s.Dashboard.Port)
	}
	return nil
}

// DBPath is the record store database.
func (s Settings) DBPath() string {
	return filepath.Join(s.DataDir, "records.db")
}

// BlobDir is the Blob Store directory.
func (s Settings) BlobDir() string {
	return filepath.Join(s.DataDir, "blobs")
}

// InboxDir is where dropped scans are picked up.
func (s Settings) InboxDir() string {
	return filepath.Join(s.DataDir, "inbox")
}

// WriteDefault writes a starter config.yaml to path with every default
// spelled out, plus the given server URL. It refuses to overwrite.
func WriteDefault(path, serverURL string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	tree := make(map[string]map[string]any)
	for key, value := range defaults() {
		section, name, _ := strings.Cut(key, ".")
		if tree[section] == nil {
			tree[section] = make(map[string]any)
		}
		tree[section][name] = value
	}
	tree["server"]["url"] = serverURL

	data, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	header := "# docsync configuration. Environment variables DOCSYNC_<SECTION>_<KEY> override these values.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
