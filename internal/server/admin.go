package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentsh/jailhttpd/internal/metrics"
	"github.com/agentsh/jailhttpd/internal/store"
)

// AdminRouter serves health, metrics, audit queries and runtime settings.
func (m *Master) AdminRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if m.active.Load() == 0 {
			writeText(w, http.StatusServiceUnavailable, "no workers\n")
			return
		}
		writeText(w, http.StatusOK, "ready\n")
	})
	r.Method(http.MethodGet, "/metrics", m.metrics.Handler(metrics.HandlerOptions{
		ActiveWorkers: func() int { return int(m.active.Load()) },
	}))
	r.Get("/audit", m.queryAudit)
	r.Post("/reload", m.triggerReload)

	rt := m.runtime.HTTPHandler()
	r.Handle("/config", rt)
	r.Handle("/config/*", rt)
	return r
}

func (m *Master) queryAudit(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeText(w, http.StatusNotFound, "audit disabled\n")
		return
	}
	q := store.Query{
		RequestID: r.URL.Query().Get("request_id"),
		Outcome:   r.URL.Query().Get("outcome"),
		Host:      r.URL.Query().Get("host"),
		Limit:     100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeText(w, http.StatusBadRequest, "invalid limit\n")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeText(w, http.StatusBadRequest, "invalid since\n")
			return
		}
		q.Since = &ts
	}

	recs, err := m.store.Query(r.Context(), q)
	if err != nil {
		m.log.Error("audit query failed", "error", err)
		writeText(w, http.StatusInternalServerError, "query failed\n")
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (m *Master) triggerReload(w http.ResponseWriter, r *http.Request) {
	if m.watcher == nil {
		writeText(w, http.StatusConflict, "no config file to reload\n")
		return
	}
	if err := m.watcher.TriggerReload(); err != nil {
		writeText(w, http.StatusConflict, err.Error()+"\n")
		return
	}
	writeText(w, http.StatusAccepted, "reload queued\n")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
