package hotreload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader validates and applies a configuration file.
type Loader interface {
	Validate(path string) error
	LoadFromPath(path string) error
}

// LoaderFuncs adapts two functions to Loader.
type LoaderFuncs struct {
	ValidateFunc func(path string) error
	LoadFunc     func(path string) error
}

func (l LoaderFuncs) Validate(path string) error {
	if l.ValidateFunc == nil {
		return nil
	}
	return l.ValidateFunc(path)
}

func (l LoaderFuncs) LoadFromPath(path string) error {
	if l.LoadFunc == nil {
		return nil
	}
	return l.LoadFunc(path)
}

// FileWatcher watches one configuration file and reloads it after a quiet
// period. The parent directory is watched so that editors which replace the
// file by rename are seen.
type FileWatcher struct {
	path     string
	loader   Loader
	debounce time.Duration
	onChange func(path string, err error)

	watcher *fsnotify.Watcher
	running atomic.Bool
	reload  chan struct{}
	stats   WatcherStats
}

// WatcherStats tracks reload statistics.
type WatcherStats struct {
	mu             sync.RWMutex
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
}

// WatcherConfig configures a FileWatcher.
type WatcherConfig struct {
	Path     string
	Loader   Loader
	Debounce time.Duration
	OnChange func(path string, err error)
}

// NewFileWatcher creates a watcher. Nothing is watched until Start.
func NewFileWatcher(cfg WatcherConfig) (*FileWatcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("config loader is required")
	}
	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &FileWatcher{
		path:     abs,
		loader:   cfg.Loader,
		debounce: debounce,
		onChange: cfg.OnChange,
		reload:   make(chan struct{}, 1),
	}, nil
}

// Start begins watching. Goroutines exit when ctx is done or Stop is called.
func (w *FileWatcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		w.running.Store(false)
		return fmt.Errorf("watching directory: %w", err)
	}
	w.watcher = watcher

	go w.processEvents(ctx)
	go w.processReloads(ctx)
	return nil
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	var pending time.Time
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				w.queue()
			}

		case <-ctx.Done():
			return
		}
	}
}

// queue coalesces reload requests; one pending reload is enough.
func (w *FileWatcher) queue() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

func (w *FileWatcher) processReloads(ctx context.Context) {
	for {
		select {
		case <-w.reload:
			w.handleReload()
		case <-ctx.Done():
			return
		}
	}
}

func (w *FileWatcher) handleReload() {
	w.stats.mu.Lock()
	w.stats.ReloadsTotal++
	w.stats.mu.Unlock()

	if err := w.loader.Validate(w.path); err != nil {
		w.recordError(fmt.Sprintf("invalid config %s: %v", w.path, err))
		w.notify(err)
		return
	}
	if err := w.loader.LoadFromPath(w.path); err != nil {
		w.recordError(fmt.Sprintf("loading config %s: %v", w.path, err))
		w.notify(err)
		return
	}

	w.stats.mu.Lock()
	w.stats.ReloadsSuccess++
	w.stats.LastReload = time.Now()
	w.stats.mu.Unlock()
	w.notify(nil)
}

func (w *FileWatcher) notify(err error) {
	if w.onChange != nil {
		w.onChange(w.path, err)
	}
}

func (w *FileWatcher) recordError(err string) {
	w.stats.mu.Lock()
	w.stats.ReloadsFailed++
	w.stats.LastError = err
	w.stats.LastErrorTime = time.Now()
	w.stats.mu.Unlock()
}

// Stop stops the watcher.
func (w *FileWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// Stats returns a copy of the reload statistics.
func (w *FileWatcher) Stats() WatcherStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()
	return WatcherStats{
		ReloadsTotal:   w.stats.ReloadsTotal,
		ReloadsSuccess: w.stats.ReloadsSuccess,
		ReloadsFailed:  w.stats.ReloadsFailed,
		LastReload:     w.stats.LastReload,
		LastError:      w.stats.LastError,
		LastErrorTime:  w.stats.LastErrorTime,
	}
}

// TriggerReload queues a reload as if the file had changed. SIGHUP uses it.
func (w *FileWatcher) TriggerReload() error {
	if !w.running.Load() {
		return fmt.Errorf("watcher not running")
	}
	w.queue()
	return nil
}
