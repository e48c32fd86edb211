package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop(time.Second)

	// Unrelated files in the directory are ignored
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0644); err != nil {
		t.Fatalf("Failed to write unrelated file: %v", err)
	}
	// Invalid versions are skipped
	if err := os.WriteFile(path, []byte("logging:\n  level: trace\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Logging.Level == "trace" {
				t.Fatalf("Expected invalid configuration to be ignored")
			}
			if c.Logging.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for reload")
		}
	}
}

func TestWatcherMissingDirectory(t *testing.T) {
	_, err := NewWatcher("/nonexistent/dir/config.yaml", func(*Config) {}, nil)
	if err == nil {
		t.Errorf("Expected error for a missing directory")
	}
}
