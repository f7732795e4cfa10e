package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets DOCSYNC_ variables for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "DOCSYNC_") {
			key, _, _ := strings.Cut(env, "=")
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
	t.Cleanup(ResetForTesting)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// TestDefaults tests the built-in defaults.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "server:\n  url: https://docs.example.com\n")

	if err := Initialize(path); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	s, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if s.ServerURL != "https://docs.example.com" {
		t.Errorf("ServerURL = %q", s.ServerURL)
	}
	if s.Sync.MinInterval != 30*time.Second || s.Sync.CycleTimeout != 30*time.Second {
		t.Errorf("sync intervals = %v / %v", s.Sync.MinInterval, s.Sync.CycleTimeout)
	}
	if s.Sync.MaxRetries != 3 || s.Sync.BatchSize != 50 || s.Sync.MaxLocalEditAge != 0 {
		t.Errorf("sync = %+v", s.Sync)
	}
	if s.Store.MaxEntryBytes != 256<<10 || s.Store.QuotaBytes != 5<<20 {
		t.Errorf("store = %+v", s.Store)
	}
	if s.DataDir != filepath.Dir(path) {
		t.Errorf("DataDir = %q, want config directory %q", s.DataDir, filepath.Dir(path))
	}
	if s.TokenFile != filepath.Join(s.DataDir, "token") {
		t.Errorf("TokenFile = %q", s.TokenFile)
	}
}

// TestEnvironmentOverridesFile tests precedence of DOCSYNC_ variables.
func TestEnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "sync:\n  min_interval: 45s\n  batch_size: 10\n")
	t.Setenv("DOCSYNC_SYNC_BATCH_SIZE", "20")

	if err := Initialize(path); err != nil {
		t.Fatal(err)
	}
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.Sync.MinInterval != 45*time.Second {
		t.Errorf("MinInterval = %v, want 45s from file", s.Sync.MinInterval)
	}
	if s.Sync.BatchSize != 20 {
		t.Errorf("BatchSize = %d, want 20 from environment", s.Sync.BatchSize)
	}
}

// TestRelativeDataDir tests that data.dir resolves against the config file.
func TestRelativeDataDir(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "data:\n  dir: state\n")

	if err := Initialize(path); err != nil {
		t.Fatal(err)
	}
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.DataDir != filepath.Join(dir, "state") {
		t.Errorf("DataDir = %q", s.DataDir)
	}
	if s.DBPath() != filepath.Join(dir, "state", "records.db") {
		t.Errorf("DBPath = %q", s.DBPath())
	}
}

// TestValidate tests rejection of unusable values.
func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero batch", "sync:\n  batch_size: 0\n", "sync.batch_size"},
		{"zero retries", "sync:\n  max_retries: 0\n", "sync.max_retries"},
		{"quota below entry", "store:\n  quota_bytes: 2048\n", "store.quota_bytes"},
		{"negative edit age", "sync:\n  max_local_edit_age: -1h\n", "sync.max_local_edit_age"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.yaml)
			if err := Initialize(path); err != nil {
				t.Fatal(err)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

// TestWriteDefault tests the starter file round trip.
func TestWriteDefault(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), DirName, "config.yaml")

	if err := WriteDefault(path, "https://docs.example.com"); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if err := WriteDefault(path, ""); err == nil {
		t.Error("WriteDefault overwrote an existing file")
	}

	if err := Initialize(path); err != nil {
		t.Fatal(err)
	}
	s, err := Load()
	if err != nil {
		t.Fatalf("Load() of written defaults failed: %v", err)
	}
	if s.ServerURL != "https://docs.example.com" || s.Sync.MaxRetries != 3 {
		t.Errorf("settings = %+v", s)
	}
}

// TestInitializeMissingExplicitFile tests that a named config file must exist.
func TestInitializeMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	if err := Initialize(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Initialize accepted a missing file")
	}
}

// TestDefaultsWithoutFile tests the built-in settings used without a config file.
func TestDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	s := Defaults(dir)
	if err := s.Validate(); err != nil {
		t.Fatalf("built-in settings invalid: %v", err)
	}
	if s.Sync.MinInterval != 30*time.Second || s.Sync.MaxRetries != 3 || s.Store.QuotaBytes != 5<<20 {
		t.Errorf("settings = %+v", s)
	}
	if s.DataDir != dir || s.TokenFile != filepath.Join(dir, "token") {
		t.Errorf("paths = %s, %s", s.DataDir, s.TokenFile)
	}
}
