// Package server runs the jailhttpd master, which keeps a pool of worker
// processes, and the worker side that serves requests after changing
// identity.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentsh/jailhttpd/internal/capabilities"
	"github.com/agentsh/jailhttpd/internal/config"
	"github.com/agentsh/jailhttpd/internal/logging"
	"github.com/agentsh/jailhttpd/internal/metrics"
	"github.com/agentsh/jailhttpd/internal/store"
	"github.com/agentsh/jailhttpd/pkg/hotreload"
	"github.com/agentsh/jailhttpd/pkg/observability"
)

// Options configures a Master.
type Options struct {
	// ConfigPath is watched for changes when set.
	ConfigPath string
	// Executable is re-executed as "worker". Defaults to /proc/self/exe.
	Executable string
	Logger     *slog.Logger
	// LevelVar is the level of Logger, adjusted on reload and through the
	// admin API.
	LevelVar *slog.LevelVar
	Detect   DetectFunc
	Lookup   config.Lookup
}

// Master accepts no requests itself. It owns the listening socket and
// keeps server.workers worker processes running, each inheriting the
// socket.
type Master struct {
	opts    Options
	log     *slog.Logger
	cfg     *hotreload.Reloadable[config.Config]
	metrics *metrics.Collector
	store   store.TransitionStore
	runtime *hotreload.RuntimeConfig
	watcher *hotreload.FileWatcher

	ln      *net.TCPListener
	adminLn net.Listener
	admin   *http.Server

	active  atomic.Int64
	tracing observability.Shutdown
}

// NewMaster validates the process capabilities, opens the audit store and
// binds the listeners.
func NewMaster(ctx context.Context, cfg *config.Config, opts Options) (*Master, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if opts.Executable == "" {
		opts.Executable = "/proc/self/exe"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.LevelVar == nil {
		opts.LevelVar = new(slog.LevelVar)
	}
	if opts.Detect == nil {
		opts.Detect = capabilities.Detect
	}

	if _, err := ValidateSecurity(cfg, opts.Detect, opts.Logger); err != nil {
		return nil, err
	}

	m := newMaster(cfg, opts)

	st, err := openAuditStore(ctx, cfg.Audit, m.metrics)
	if err != nil {
		return nil, err
	}
	m.store = st

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		m.closeStore()
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	m.ln = ln.(*net.TCPListener)

	if cfg.Server.AdminListen != "" {
		adminLn, err := net.Listen("tcp", cfg.Server.AdminListen)
		if err != nil {
			_ = m.ln.Close()
			m.closeStore()
			return nil, fmt.Errorf("admin listen %s: %w", cfg.Server.AdminListen, err)
		}
		m.adminLn = adminLn
		m.admin = &http.Server{Handler: m.AdminRouter(), ReadHeaderTimeout: 5 * time.Second}
	}

	m.tracing, err = observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
		Role:     "master",
	})
	if err != nil {
		m.log.Warn("tracing disabled", "error", err)
		m.tracing = nil
	}

	if opts.ConfigPath != "" {
		w, err := hotreload.NewFileWatcher(hotreload.WatcherConfig{
			Path:     opts.ConfigPath,
			Loader:   m.reloadLoader(),
			OnChange: m.onReload,
		})
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.watcher = w
	}
	return m, nil
}

func newMaster(cfg *config.Config, opts Options) *Master {
	m := &Master{
		opts:    opts,
		log:     opts.Logger,
		cfg:     hotreload.NewReloadable(cfg),
		metrics: metrics.New(),
	}
	m.runtime = hotreload.NewRuntimeConfig(opts.LevelVar, hotreload.WithLogLevelCallback(func(level string) {
		m.log.Info("log level changed", "level", level)
	}))
	return m
}

// Addr is the address workers accept connections on.
func (m *Master) Addr() net.Addr { return m.ln.Addr() }

// AdminAddr is the admin router address, nil when disabled.
func (m *Master) AdminAddr() net.Addr {
	if m.adminLn == nil {
		return nil
	}
	return m.adminLn.Addr()
}

// Run keeps the worker slots busy until ctx is done or SIGINT/SIGTERM
// arrives. SIGHUP reloads the configuration file.
func (m *Master) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if m.watcher != nil {
		if err := m.watcher.Start(ctx); err != nil {
			m.log.Warn("config watcher disabled", "error", err)
		} else {
			defer m.watcher.Stop()
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-hup:
						if err := m.watcher.TriggerReload(); err != nil {
							m.log.Warn("reload on SIGHUP", "error", err)
						}
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	}

	errCh := make(chan error, 1)
	if m.admin != nil {
		go func() {
			if err := m.admin.Serve(m.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	workers := m.cfg.Get().Server.Workers
	m.log.Info("master started", "listen", m.ln.Addr().String(), "workers", workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			m.runSlot(ctx, slot)
		}(i)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("admin server: %w", err)
		stop()
	}
	wg.Wait()

	if m.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.admin.Shutdown(shutdownCtx)
	}
	return runErr
}

// runSlot restarts a worker each time the previous one exits.
func (m *Master) runSlot(ctx context.Context, slot int) {
	backoff := 100 * time.Millisecond
	for ctx.Err() == nil {
		if err := m.spawnWorker(ctx); err != nil {
			m.log.Error("worker failed", "slot", slot, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond
	}
}

// spawnWorker runs one worker process to completion. The worker gets the
// current configuration, so a reload reaches workers started after it.
func (m *Master) spawnWorker(ctx context.Context) error {
	data, err := m.cfg.Get().Marshal()
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	lnFile, err := m.ln.File()
	if err != nil {
		m.metrics.IncWorkerSpawnFail()
		return fmt.Errorf("listener fd: %w", err)
	}
	defer lnFile.Close()

	pr, pw, err := os.Pipe()
	if err != nil {
		m.metrics.IncWorkerSpawnFail()
		return fmt.Errorf("report pipe: %w", err)
	}
	defer pr.Close()

	cmd := exec.CommandContext(ctx, m.opts.Executable, "worker")
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{lnFile, pw} // fds 3 and 4
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		m.metrics.IncWorkerSpawnFail()
		return fmt.Errorf("start worker: %w", err)
	}
	_ = pw.Close()
	m.metrics.IncWorkerSpawned()
	m.active.Add(1)
	defer m.active.Add(-1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ingestReports(ctx, pr)
	}()

	err = cmd.Wait()
	<-done

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == ExitForbidden:
		return nil
	default:
		m.metrics.IncWorkerExitFail()
		return fmt.Errorf("worker pid %d: %w", cmd.Process.Pid, err)
	}
}

// ingestReports appends each JSON line a worker writes to the audit store.
func (m *Master) ingestReports(ctx context.Context, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec store.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			m.log.Warn("malformed worker report", "error", err)
			continue
		}
		m.appendRecord(context.WithoutCancel(ctx), rec)
	}
	if err := sc.Err(); err != nil {
		m.log.Warn("reading worker reports", "error", err)
	}
}

func (m *Master) appendRecord(ctx context.Context, rec store.Record) {
	if m.store == nil {
		m.metrics.IncRequest(rec.Outcome)
		return
	}
	if err := m.store.Append(ctx, rec); err != nil {
		m.log.Error("audit append failed", "request_id", rec.RequestID, "error", err)
	}
}

func (m *Master) reloadLoader() hotreload.Loader {
	load := func(path string) (*config.Config, error) {
		var opts []config.Option
		if m.opts.Lookup != nil {
			opts = append(opts, config.WithLookup(m.opts.Lookup))
		}
		return config.Load(path, opts...)
	}
	return hotreload.LoaderFuncs{
		ValidateFunc: func(path string) error {
			cfg, err := load(path)
			if err != nil {
				return err
			}
			_, err = ValidateSecurity(cfg, m.opts.Detect, m.log)
			return err
		},
		LoadFunc: func(path string) error {
			base := m.cfg.Get()
			cfg, err := load(path)
			if err != nil {
				return err
			}
			return m.applyConfig(base, cfg)
		},
	}
}

// errConcurrentReload is returned when another reload replaced the
// configuration while this one was loading.
var errConcurrentReload = errors.New("configuration changed during reload")

// applyConfig swaps in cfg if old is still current. Listener addresses and
// the worker count only change on restart.
func (m *Master) applyConfig(old, cfg *config.Config) error {
	if !m.cfg.CompareAndSwap(old, cfg) {
		return errConcurrentReload
	}
	if old != nil {
		if old.Server.Listen != cfg.Server.Listen || old.Server.AdminListen != cfg.Server.AdminListen {
			m.log.Warn("listen address changes take effect on restart")
		}
		if old.Server.Workers != cfg.Server.Workers {
			m.log.Warn("worker count changes take effect on restart",
				"running", old.Server.Workers, "configured", cfg.Server.Workers)
		}
	}
	if lvl, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		m.opts.LevelVar.Set(lvl)
	}
	m.log.Info("configuration reloaded", "version", m.cfg.Version(), "virtual_hosts", len(cfg.Hosts()))
	return nil
}

func (m *Master) onReload(path string, err error) {
	m.metrics.IncConfigReload(err == nil)
	if err != nil {
		m.log.Error("configuration reload rejected", "path", path, "error", err)
	}
}

func (m *Master) closeStore() {
	if m.store != nil {
		_ = m.store.Close()
		m.store = nil
	}
}

// Close releases the listeners, the audit store and the tracer provider.
func (m *Master) Close() error {
	if m.ln != nil {
		_ = m.ln.Close()
	}
	if m.adminLn != nil {
		_ = m.adminLn.Close()
	}
	m.closeStore()
	if m.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.tracing(ctx)
	}
	return nil
}
