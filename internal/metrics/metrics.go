package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter for
// the master process.
type Collector struct {
	startedAt time.Time

	requestsTotal atomic.Uint64
	byOutcome     sync.Map // string -> *atomic.Uint64

	workersSpawned   atomic.Uint64
	workerSpawnFail  atomic.Uint64
	workerExitFail   atomic.Uint64
	configReloads    atomic.Uint64
	configReloadFail atomic.Uint64
	auditAppendFail  atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncRequest counts one audited request with its transition outcome.
func (c *Collector) IncRequest(outcome string) {
	if c == nil {
		return
	}
	c.requestsTotal.Add(1)
	if outcome == "" {
		outcome = "unknown"
	}
	ptr, _ := c.byOutcome.LoadOrStore(outcome, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncWorkerSpawned() {
	if c == nil {
		return
	}
	c.workersSpawned.Add(1)
}

func (c *Collector) IncWorkerSpawnFail() {
	if c == nil {
		return
	}
	c.workerSpawnFail.Add(1)
}

// IncWorkerExitFail counts workers that exited with a non-zero status.
func (c *Collector) IncWorkerExitFail() {
	if c == nil {
		return
	}
	c.workerExitFail.Add(1)
}

func (c *Collector) IncConfigReload(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.configReloads.Add(1)
		return
	}
	c.configReloadFail.Add(1)
}

func (c *Collector) IncAuditAppendFail() {
	if c == nil {
		return
	}
	c.auditAppendFail.Add(1)
}

type HandlerOptions struct {
	ActiveWorkers func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP jailhttpd_up Whether the jailhttpd master is running.\n")
		fmt.Fprint(w, "# TYPE jailhttpd_up gauge\n")
		fmt.Fprint(w, "jailhttpd_up 1\n")

		fmt.Fprint(w, "# HELP jailhttpd_uptime_seconds Seconds since the master started.\n")
		fmt.Fprint(w, "# TYPE jailhttpd_uptime_seconds gauge\n")
		fmt.Fprintf(w, "jailhttpd_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		fmt.Fprint(w, "# HELP jailhttpd_requests_total Requests reported by workers.\n")
		fmt.Fprint(w, "# TYPE jailhttpd_requests_total counter\n")
		fmt.Fprintf(w, "jailhttpd_requests_total %d\n", c.requestsTotal.Load())

		counter(w, "jailhttpd_workers_spawned_total", "Worker processes started.", c.workersSpawned.Load())
		counter(w, "jailhttpd_worker_spawn_failures_total", "Worker processes that failed to start.", c.workerSpawnFail.Load())
		counter(w, "jailhttpd_worker_exit_failures_total", "Worker processes that exited with a non-zero status.", c.workerExitFail.Load())
		counter(w, "jailhttpd_config_reloads_total", "Successful configuration reloads.", c.configReloads.Load())
		counter(w, "jailhttpd_config_reload_failures_total", "Rejected configuration reloads.", c.configReloadFail.Load())
		counter(w, "jailhttpd_audit_append_failures_total", "Audit records the store failed to append.", c.auditAppendFail.Load())

		outcomes := snapshotKeys(&c.byOutcome)
		if len(outcomes) > 0 {
			fmt.Fprint(w, "# HELP jailhttpd_requests_by_outcome_total Requests by transition outcome.\n")
			fmt.Fprint(w, "# TYPE jailhttpd_requests_by_outcome_total counter\n")
			for _, o := range outcomes {
				ptr, _ := c.byOutcome.Load(o)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "jailhttpd_requests_by_outcome_total{outcome=\"%s\"} %d\n", escapeLabelValue(o), n)
			}
		}

		if opts.ActiveWorkers != nil {
			fmt.Fprint(w, "# HELP jailhttpd_workers_active Worker processes currently running.\n")
			fmt.Fprint(w, "# TYPE jailhttpd_workers_active gauge\n")
			fmt.Fprintf(w, "jailhttpd_workers_active %d\n", opts.ActiveWorkers())
		}
	})
}

func counter(w http.ResponseWriter, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
