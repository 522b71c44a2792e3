package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/jailhttpd/internal/capabilities"
	"github.com/agentsh/jailhttpd/internal/metrics"
	"github.com/agentsh/jailhttpd/internal/store"
	"github.com/agentsh/jailhttpd/internal/store/sqlite"
)

func readyDetect(chroot bool) DetectFunc {
	return func(int) (*capabilities.DetectResult, error) {
		return &capabilities.DetectResult{
			PID: 1,
			Guarded: map[string]capabilities.GuardState{
				capabilities.SetUID.String():    {Permitted: true},
				capabilities.SetGID.String():    {Permitted: true},
				capabilities.SysChroot.String(): {Permitted: chroot},
			},
		}, nil
	}
}

// newTestMaster builds a master without listeners or worker processes.
func newTestMaster(t *testing.T) *Master {
	t.Helper()
	cfg := workerConfig(t, t.TempDir(), 1)
	m := newMaster(cfg, Options{
		LevelVar: new(slog.LevelVar),
		Detect:   readyDetect(false),
		Lookup:   testLookup,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	m.store = metrics.WrapTransitionStore(db, m.metrics)
	t.Cleanup(func() { m.closeStore() })
	return m
}

func TestAdminRouter_Health(t *testing.T) {
	m := newTestMaster(t)
	h := m.AdminRouter()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m.active.Add(1)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestReports_AppendsAndCounts(t *testing.T) {
	m := newTestMaster(t)
	lines := []string{
		`{"request_id":"a","ts":"2026-03-01T12:00:00Z","worker_pid":10,"outcome":"proceed","uid":1001,"gid":1001,"groups":[2001]}`,
		`not json`,
		`{"request_id":"b","ts":"2026-03-01T12:00:01Z","worker_pid":11,"outcome":"forbidden","uid":0,"gid":0,"groups":[],"reason":"setuid failed"}`,
	}
	m.ingestReports(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"))

	recs, err := m.store.Query(context.Background(), store.Query{Asc: true})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].RequestID)
	assert.Equal(t, "forbidden", recs[1].Outcome)

	rec := httptest.NewRecorder()
	m.AdminRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "jailhttpd_requests_total 2")
	assert.Contains(t, body, `jailhttpd_requests_by_outcome_total{outcome="forbidden"} 1`)
}

func TestAdminRouter_Audit(t *testing.T) {
	m := newTestMaster(t)
	ctx := context.Background()
	for i, outcome := range []string{"proceed", "forbidden", "proceed"} {
		require.NoError(t, m.store.Append(ctx, store.Record{
			RequestID: fmt.Sprintf("r%d", i),
			Timestamp: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
			Outcome:   outcome,
			Host:      "example.com",
		}))
	}

	rec := httptest.NewRecorder()
	m.AdminRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?outcome=forbidden", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []store.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RequestID)

	rec = httptest.NewRecorder()
	m.AdminRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRouter_LogLevel(t *testing.T) {
	m := newTestMaster(t)
	h := m.AdminRouter()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/config/log-level", strings.NewReader(`{"level":"debug"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, slog.LevelDebug, m.opts.LevelVar.Level())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reload", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReloadLoader(t *testing.T) {
	m := newTestMaster(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "jailhttpd.yaml")

	good := fmt.Sprintf(`
server: {user: www-data, group: www-data, workers: 2}
logging: {level: warn}
virtual_hosts:
  - names: [example.com, www.example.com]
    document_root: %s
`, dir)
	require.NoError(t, os.WriteFile(path, []byte(good), 0o644))

	loader := m.reloadLoader()
	require.NoError(t, loader.Validate(path))
	require.NoError(t, loader.LoadFromPath(path))
	assert.Equal(t, int64(1), m.cfg.Version())
	assert.Equal(t, []string{"example.com", "www.example.com"}, m.cfg.Get().Hosts()[0].Names)
	assert.Equal(t, slog.LevelWarn, m.opts.LevelVar.Level())

	require.NoError(t, os.WriteFile(path, []byte("virtual_hosts: []\n"), 0o644))
	assert.Error(t, loader.Validate(path))
	assert.Equal(t, int64(1), m.cfg.Version())
}

func TestValidateSecurity(t *testing.T) {
	cfg := workerConfig(t, t.TempDir(), 1)
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	_, err := ValidateSecurity(cfg, readyDetect(false), log)
	assert.NoError(t, err)

	missing := func(int) (*capabilities.DetectResult, error) {
		return &capabilities.DetectResult{Guarded: map[string]capabilities.GuardState{}}, nil
	}
	_, err = ValidateSecurity(cfg, missing, log)
	assert.ErrorContains(t, err, "CAP_SETUID")

	inactive := workerConfig(t, t.TempDir(), 5)
	_, err = ValidateSecurity(inactive, missing, log)
	assert.NoError(t, err)
}

func TestMasterOnReloadCountsFailures(t *testing.T) {
	m := newTestMaster(t)
	m.onReload("/etc/jailhttpd.yaml", fmt.Errorf("bad"))
	m.onReload("/etc/jailhttpd.yaml", nil)

	rec := httptest.NewRecorder()
	m.metrics.Handler(metrics.HandlerOptions{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "jailhttpd_config_reload_failures_total 1")
	assert.Contains(t, rec.Body.String(), "jailhttpd_config_reloads_total 1")
}

func TestApplyConfig_RejectsStaleBase(t *testing.T) {
	m := newTestMaster(t)
	base := m.cfg.Get()

	winner := workerConfig(t, t.TempDir(), 2)
	require.NoError(t, m.applyConfig(base, winner))
	assert.Equal(t, int64(1), m.cfg.Version())

	loser := workerConfig(t, t.TempDir(), 3)
	assert.ErrorIs(t, m.applyConfig(base, loser), errConcurrentReload)
	assert.Same(t, winner, m.cfg.Get())
	assert.Equal(t, int64(1), m.cfg.Version())
}
