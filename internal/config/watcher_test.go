package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWatcherDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	changed := make(chan struct{}, 1)
	w := NewWatcher(path, 50*time.Millisecond, testLogger(), func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	w.Start()
	defer w.Stop()

	// Wait a bit then modify the file.
	time.Sleep(100 * time.Millisecond)
	cfg.Server.LogLevel = "debug"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not detect change within timeout")
	}
}

func TestWatcherIgnoresMissingFile(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "nope.json"), 20*time.Millisecond, testLogger(), func() {
		t.Error("onChange fired for a file that never existed")
	})
	w.Start()
	time.Sleep(80 * time.Millisecond)
	w.Stop()
}

func TestWatcherStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := DefaultConfig().Save(path); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(path, 50*time.Millisecond, testLogger(), nil)
	w.Start()
	w.Stop()
	w.Stop() // double stop should not panic
}
