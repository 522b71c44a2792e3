package hotreload

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RuntimeConfig holds settings the admin API may change without a reload.
// Today that is the log level, applied through a slog.LevelVar.
type RuntimeConfig struct {
	mu         sync.RWMutex
	level      *slog.LevelVar
	lastUpdate time.Time

	onLogLevelChange func(level string)
	updateCount      atomic.Int64
}

// RuntimeConfigOption configures RuntimeConfig.
type RuntimeConfigOption func(*RuntimeConfig)

// WithLogLevelCallback sets the callback for log level changes.
func WithLogLevelCallback(fn func(level string)) RuntimeConfigOption {
	return func(c *RuntimeConfig) {
		c.onLogLevelChange = fn
	}
}

// NewRuntimeConfig wraps level. A nil level gets a fresh LevelVar at info.
func NewRuntimeConfig(level *slog.LevelVar, opts ...RuntimeConfigOption) *RuntimeConfig {
	if level == nil {
		level = new(slog.LevelVar)
	}
	c := &RuntimeConfig{level: level}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LogLevel returns the current log level name in lower case.
func (c *RuntimeConfig) LogLevel() string {
	return strings.ToLower(c.level.Level().String())
}

// SetLogLevel parses and applies a level name.
func (c *RuntimeConfig) SetLogLevel(name string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("invalid log level %q", name)
	}
	c.mu.Lock()
	old := c.level.Level()
	c.level.Set(lvl)
	c.lastUpdate = time.Now()
	c.updateCount.Add(1)
	callback := c.onLogLevelChange
	c.mu.Unlock()

	if callback != nil && old != lvl {
		callback(c.LogLevel())
	}
	return nil
}

// UpdateCount returns the total number of updates.
func (c *RuntimeConfig) UpdateCount() int64 {
	return c.updateCount.Load()
}

// RuntimeConfigSnapshot is the admin API view of RuntimeConfig.
type RuntimeConfigSnapshot struct {
	LogLevel    string    `json:"log_level"`
	UpdateCount int64     `json:"update_count"`
	LastUpdate  time.Time `json:"last_update,omitempty"`
}

func (c *RuntimeConfig) Snapshot() RuntimeConfigSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return RuntimeConfigSnapshot{
		LogLevel:    c.LogLevel(),
		UpdateCount: c.updateCount.Load(),
		LastUpdate:  c.lastUpdate,
	}
}

// HTTPHandler serves GET /config and PUT /config/log-level.
func (c *RuntimeConfig) HTTPHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Snapshot())
	})

	mux.HandleFunc("PUT /config/log-level", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Level string `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if err := c.SetLogLevel(req.Level); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
