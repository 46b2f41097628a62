package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openwear/earstream/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
redis:
  addr: "localhost:6379"
`

const watcherUpdatedYAML = `
server:
  log_level: debug
redis:
  addr: "localhost:6379"
`

const watcherInvalidYAML = `
server:
  log_level: bananas
redis:
  addr: "localhost:6379"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	var gotDiff config.ConfigDiff
	called := make(chan struct{}, 1)

	w, err := config.NewWatcher(cfgPath, func(diff config.ConfigDiff, _ *config.Config) {
		mu.Lock()
		gotDiff = diff
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Ensure a different mtime even on coarse-grained filesystems.
	time.Sleep(20 * time.Millisecond)
	writeFile(t, cfgPath, watcherUpdatedYAML)
	now := time.Now()
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("onChange was not called after config update")
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotDiff.LogLevelChanged || gotDiff.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", gotDiff)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() not updated: %q", w.Current().Server.LogLevel)
	}
}

func TestWatcherKeepsOldConfigOnInvalidUpdate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, func(config.ConfigDiff, *config.Config) {
		t.Error("onChange called for invalid config")
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	writeFile(t, cfgPath, watcherInvalidYAML)
	now := time.Now()
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	// Give the poller a few cycles to see the bad file.
	time.Sleep(150 * time.Millisecond)
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current() = %q, want the old valid config retained", w.Current().Server.LogLevel)
	}
}
