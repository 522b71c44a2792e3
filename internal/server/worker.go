package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentsh/jailhttpd/internal/config"
	"github.com/agentsh/jailhttpd/internal/identity"
	"github.com/agentsh/jailhttpd/internal/lifecycle"
	"github.com/agentsh/jailhttpd/internal/logging"
	"github.com/agentsh/jailhttpd/internal/privsys"
	"github.com/agentsh/jailhttpd/internal/store"
	"github.com/agentsh/jailhttpd/internal/transition"
	"github.com/agentsh/jailhttpd/pkg/observability"
)

// File descriptors a worker inherits from the master.
const (
	ListenerFD = 3
	ReportFD   = 4
)

// ExitForbidden is the worker exit code when a request was refused.
const ExitForbidden = 3

const indexFile = "index.html"

var errListenerExhausted = errors.New("worker request limit reached")

// ErrSymlinkOwner refuses a resource reached through a symbolic link that
// is not owned by the owner of its target.
var ErrSymlinkOwner = errors.New("symbolic link owner does not match target")

// Reporter receives the audit record of each request.
type Reporter interface {
	Report(rec store.Record) error
}

type lineReporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewLineReporter writes one JSON record per line to w.
func NewLineReporter(w io.Writer) Reporter {
	return &lineReporter{enc: json.NewEncoder(w)}
}

func (r *lineReporter) Report(rec store.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(rec)
}

// Handler serves static files after the request's identity transition.
type Handler struct {
	cfg    *config.Config
	state  *lifecycle.State
	report Reporter
	log    *slog.Logger
	now    func() time.Time

	// mu serializes lifecycle hooks; State is not safe for concurrent use.
	mu        sync.Mutex
	forbidden atomic.Bool
}

func NewHandler(cfg *config.Config, state *lifecycle.State, report Reporter, log *slog.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{cfg: cfg, state: state, report: report, log: log, now: time.Now}
}

// Forbidden reports whether any request was refused.
func (h *Handler) Forbidden() bool { return h.forbidden.Load() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	ctx, span := otel.Tracer(observability.TracerName).Start(r.Context(), "http.request",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	vh := h.cfg.HostFor(r.Host)
	if vh == nil {
		http.NotFound(w, r)
		return
	}
	eff := vh.EffectiveFor(r.URL.Path)
	owner, ownerErr := OwnerOf(eff)
	req := lifecycle.Request{ID: id, Host: r.Host, Config: eff, Owner: owner}

	h.mu.Lock()
	var (
		res lifecycle.Result
		err error
	)
	if ownerErr != nil {
		res, err = h.state.Refuse(req, ownerErr)
	} else {
		res, err = h.state.HandleRequest(ctx, req)
	}
	if err != nil {
		res.Outcome = transition.OutcomeForbidden
		res.Err = err
	}
	who := res.Identity
	if !res.Resolved {
		who = h.state.Credentials()
	}
	h.mu.Unlock()

	rec := store.Record{
		RequestID: id,
		Timestamp: h.now().UTC(),
		WorkerPID: os.Getpid(),
		Host:      r.Host,
		Path:      eff.Path,
		Outcome:   res.Outcome.String(),
		UID:       who.UID,
		GID:       who.GID,
		Groups:    who.Groups,
		TraceID:   observability.ExtractTraceID(ctx),
	}
	if eff.Chroot != nil {
		rec.Chroot = eff.Chroot.Dir
	}
	for _, s := range res.States {
		rec.States = append(rec.States, s.String())
	}
	if res.Err != nil {
		rec.Reason = res.Err.Error()
	}
	if h.report != nil {
		if err := h.report.Report(rec); err != nil {
			h.log.Warn("reporting request failed", "request_id", id, "error", err)
		}
	}

	if res.Outcome == transition.OutcomeForbidden {
		h.forbidden.Store(true)
		h.log.Warn("request forbidden", "request_id", id, "host", r.Host, "path", eff.Path, "error", res.Err)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	h.serveFile(w, r, servePath(eff, res.DocumentRoot))
}

// serveFile writes the file at name, or the index.html of a directory. It
// never redirects.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	f, st, err := openResource(name)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, fs.ErrNotExist):
			code = http.StatusNotFound
		case errors.Is(err, fs.ErrPermission):
			code = http.StatusForbidden
		default:
			h.log.Error("opening resource failed", "path", name, "error", err)
		}
		http.Error(w, http.StatusText(code), code)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func openResource(name string) (*os.File, fs.FileInfo, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if !st.IsDir() {
		return f, st, nil
	}
	_ = f.Close()

	index := filepath.Join(name, indexFile)
	if f, err = os.Open(index); err != nil {
		return nil, nil, err
	}
	if st, err = f.Stat(); err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, nil, &fs.PathError{Op: "open", Path: index, Err: fs.ErrNotExist}
	}
	return f, st, nil
}

// OwnerOf returns the owner of the resource eff names, resolving the path
// the way it is served: inside the chroot when the scope has one.
func OwnerOf(eff config.Effective) (*identity.Candidate, error) {
	root, docRoot := resourceRoot(eff)
	return ResourceOwner(root, docRoot, relPath(eff))
}

// resourceRoot returns the root absolute paths resolve against and the
// document root within it, as the request will see them once served.
func resourceRoot(eff config.Effective) (root, docRoot string) {
	if c := eff.Chroot; c != nil {
		return c.Dir, c.DocumentRoot
	}
	return "/", eff.DocumentRoot
}

// relPath is the resource path relative to the host's document root.
func relPath(eff config.Effective) string {
	rel, err := filepath.Rel(eff.DocumentRoot, eff.Path)
	if err != nil {
		return "."
	}
	return rel
}

// servePath maps the resource to docRoot, the document root as seen after
// a possible chroot.
func servePath(eff config.Effective, docRoot string) string {
	return filepath.Join(docRoot, relPath(eff))
}

// limitListener stops accepting after n connections. n <= 0 is unlimited.
type limitListener struct {
	net.Listener
	mu        sync.Mutex
	remaining int
	unlimited bool
}

func newLimitListener(ln net.Listener, n int) *limitListener {
	return &limitListener{Listener: ln, remaining: n, unlimited: n <= 0}
}

func (l *limitListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.unlimited {
		if l.remaining == 0 {
			l.mu.Unlock()
			return nil, errListenerExhausted
		}
		l.remaining--
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

// WorkerOptions are the inputs of RunWorker.
type WorkerOptions struct {
	Config   *config.Config
	Listener net.Listener
	Report   Reporter
	System   privsys.System
	Logger   *slog.Logger
}

// RunWorker takes the process through the lifecycle hooks and serves
// connections until the per-worker request limit is reached or ctx is done.
// It returns the process exit code.
func RunWorker(ctx context.Context, opts WorkerOptions) (int, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	cfg := opts.Config
	log = log.With("worker_pid", os.Getpid())

	state := lifecycle.New(opts.System, log)
	if err := state.Startup(cfg.Server.MaxRequestsPerWorker); err != nil {
		return 1, fmt.Errorf("worker startup: %w", err)
	}
	uid, gid := cfg.ServerIdentity()
	if err := state.AssumeServerIdentity(uid, gid); err != nil {
		return 1, fmt.Errorf("assume server identity: %w", err)
	}
	if err := state.PostFork(cfg); err != nil {
		return 1, fmt.Errorf("worker post-fork: %w", err)
	}

	h := NewHandler(cfg, state, opts.Report, log)
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	srv.SetKeepAlivesEnabled(false)

	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	err := srv.Serve(newLimitListener(opts.Listener, cfg.Server.MaxRequestsPerWorker))
	switch {
	case errors.Is(err, errListenerExhausted):
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("worker shutdown", "error", err)
		}
	case errors.Is(err, http.ErrServerClosed):
	default:
		return 1, fmt.Errorf("worker serve: %w", err)
	}

	if h.Forbidden() {
		return ExitForbidden, nil
	}
	return 0, nil
}

// ServeWorker is the entry point of a re-executed worker process. The
// configuration arrives as YAML on stdin, the listener and the report pipe
// as inherited file descriptors.
func ServeWorker(ctx context.Context, stdin io.Reader, opts ...config.Option) int {
	data, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jailhttpd worker: read config: %v\n", err)
		return 1
	}
	cfg, err := config.LoadFromBytes(data, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jailhttpd worker: %v\n", err)
		return 1
	}
	log, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jailhttpd worker: %v\n", err)
		return 1
	}

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
		Role:     "worker",
	})
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	lnFile := os.NewFile(ListenerFD, "listener")
	ln, err := net.FileListener(lnFile)
	_ = lnFile.Close()
	if err != nil {
		log.Error("inherited listener", "error", err)
		return 1
	}
	defer ln.Close()

	reportFile := os.NewFile(ReportFD, "report")
	defer reportFile.Close()

	code, err := RunWorker(ctx, WorkerOptions{
		Config:   cfg,
		Listener: ln,
		Report:   NewLineReporter(reportFile),
		System:   privsys.New(),
		Logger:   log,
	})
	if err != nil {
		log.Error("worker failed", "error", err)
	}
	return code
}
