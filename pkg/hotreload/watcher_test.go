package hotreload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type mockLoader struct {
	mu         sync.Mutex
	loadCount  int
	validateFn func(path string) error
}

func (m *mockLoader) LoadFromPath(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCount++
	return nil
}

func (m *mockLoader) Validate(path string) error {
	if m.validateFn != nil {
		return m.validateFn(path)
	}
	return nil
}

func (m *mockLoader) LoadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCount
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "jailhttpd.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewFileWatcher(t *testing.T) {
	loader := &mockLoader{}

	t.Run("requires path", func(t *testing.T) {
		if _, err := NewFileWatcher(WatcherConfig{Loader: loader}); err == nil {
			t.Error("expected error for empty path")
		}
	})

	t.Run("requires loader", func(t *testing.T) {
		if _, err := NewFileWatcher(WatcherConfig{Path: "/tmp/x.yaml"}); err == nil {
			t.Error("expected error for nil loader")
		}
	})
}

func TestFileWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)
	loader := &mockLoader{}

	w, err := NewFileWatcher(WatcherConfig{Path: path, Loader: loader, Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	if err := os.WriteFile(path, []byte("server: {workers: 2}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return loader.LoadCount() >= 1 })

	if s := w.Stats(); s.ReloadsSuccess < 1 {
		t.Errorf("ReloadsSuccess = %d", s.ReloadsSuccess)
	}
}

func TestFileWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)
	loader := &mockLoader{}

	w, err := NewFileWatcher(WatcherConfig{Path: path, Loader: loader, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if got := loader.LoadCount(); got != 0 {
		t.Fatalf("LoadCount = %d, want 0", got)
	}
}

func TestFileWatcher_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)
	loader := &mockLoader{validateFn: func(string) error { return errors.New("bad yaml") }}

	var mu sync.Mutex
	var gotErr error
	w, err := NewFileWatcher(WatcherConfig{
		Path:   path,
		Loader: loader,
		OnChange: func(_ string, err error) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.TriggerReload(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return w.Stats().ReloadsFailed >= 1 })

	mu.Lock()
	defer mu.Unlock()
	if gotErr == nil {
		t.Error("OnChange did not receive the validation error")
	}
	if loader.LoadCount() != 0 {
		t.Error("LoadFromPath must not run after a failed validation")
	}
}

func TestFileWatcher_TriggerReloadNotRunning(t *testing.T) {
	w, err := NewFileWatcher(WatcherConfig{Path: "/tmp/jailhttpd.yaml", Loader: &mockLoader{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.TriggerReload(); err == nil {
		t.Fatal("expected error when not running")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop on idle watcher: %v", err)
	}
}
