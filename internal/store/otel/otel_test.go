package otel

import (
	"context"
	"sync"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/agentsh/jailhttpd/internal/store"
)

// recordingExporter implements sdklog.Exporter and keeps exported records.
type recordingExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *recordingExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	e.mu.Unlock()
	return nil
}

func (e *recordingExporter) Shutdown(_ context.Context) error   { return nil }
func (e *recordingExporter) ForceFlush(_ context.Context) error { return nil }

func (e *recordingExporter) Records() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]sdklog.Record, len(e.records))
	copy(cp, e.records)
	return cp
}

// newTestStore wires a Store to a recording exporter through a
// SimpleProcessor so that exports happen synchronously.
func newTestStore(t *testing.T, filter Filter) (*Store, *recordingExporter) {
	t.Helper()
	exp := &recordingExporter{}
	m, err := filter.compile()
	if err != nil {
		t.Fatalf("compile filter: %v", err)
	}
	s := newStore(m, sdklog.NewSimpleProcessor(exp), BuildResource("jailhttpd-test", nil))
	t.Cleanup(func() { _ = s.Close() })
	return s, exp
}

func sampleRecord() store.Record {
	return store.Record{
		RequestID: "req-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		WorkerPID: 4242,
		Host:      "example.com",
		Path:      "/srv/www/index.html",
		Outcome:   "forbidden",
		UID:       1001,
		GID:       1001,
		Groups:    []int{2002},
		Reason:    "setuid(1001): operation not permitted",
		TraceID:   "0af7651916cd43dd8448eb211c80319c",
	}
}

func attrs(rec sdklog.Record) map[string]otellog.Value {
	m := make(map[string]otellog.Value)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		m[kv.Key] = kv.Value
		return true
	})
	return m
}

func TestStore_Append(t *testing.T) {
	s, exp := newTestStore(t, Filter{})

	if err := s.Append(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	recs := exp.Records()
	if len(recs) != 1 {
		t.Fatalf("exported %d records, want 1", len(recs))
	}
	r := recs[0]
	if got := r.Body().AsString(); got != "forbidden: /srv/www/index.html" {
		t.Errorf("body = %q", got)
	}
	if r.Severity() != otellog.SeverityError {
		t.Errorf("severity = %v", r.Severity())
	}
	if r.TraceID().String() != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("trace id = %s", r.TraceID())
	}

	a := attrs(r)
	if a["jailhttpd.request.id"].AsString() != "req-1" {
		t.Errorf("request id attr = %v", a["jailhttpd.request.id"])
	}
	if a["jailhttpd.uid"].AsInt64() != 1001 {
		t.Errorf("uid attr = %v", a["jailhttpd.uid"])
	}
	if a["server.address"].AsString() != "example.com" {
		t.Errorf("host attr = %v", a["server.address"])
	}
	if len(a["jailhttpd.groups"].AsSlice()) != 1 {
		t.Errorf("groups attr = %v", a["jailhttpd.groups"])
	}
}

func TestStore_AppendFiltered(t *testing.T) {
	s, exp := newTestStore(t, Filter{ExcludeOutcomes: []string{"declined"}})

	rec := sampleRecord()
	rec.Outcome = "declined"
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	rec.Outcome = "proceed"
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if got := len(exp.Records()); got != 1 {
		t.Errorf("exported %d records, want 1", got)
	}
}

func TestStore_QueryNotSupported(t *testing.T) {
	s, _ := newTestStore(t, Filter{})
	if _, err := s.Query(context.Background(), store.Query{}); err == nil {
		t.Fatal("expected error from Query")
	}
}

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		outcome string
		host    string
		want    bool
	}{
		{name: "empty", filter: Filter{}, outcome: "forbidden", want: true},
		{name: "include hit", filter: Filter{IncludeOutcomes: []string{"forbidden"}}, outcome: "forbidden", want: true},
		{name: "include miss", filter: Filter{IncludeOutcomes: []string{"forbidden"}}, outcome: "proceed", want: false},
		{name: "exclude", filter: Filter{ExcludeOutcomes: []string{"declined"}}, outcome: "declined", want: false},
		{name: "host pattern", filter: Filter{IncludeHosts: []string{"*.example.com"}}, outcome: "proceed", host: "www.example.com", want: true},
		{name: "host with port and case", filter: Filter{IncludeHosts: []string{"*.example.com"}}, outcome: "proceed", host: "WWW.Example.com:8080", want: true},
		{name: "star does not cross dots", filter: Filter{IncludeHosts: []string{"*.example.com"}}, outcome: "proceed", host: "a.b.example.com", want: false},
		{name: "alternatives", filter: Filter{IncludeHosts: []string{"{www,static}.example.com"}}, outcome: "proceed", host: "static.example.com", want: true},
		{name: "host miss", filter: Filter{IncludeHosts: []string{"*.example.com"}}, outcome: "proceed", host: "static.test", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.filter.compile()
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got := m.Match(tt.outcome, tt.host); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.outcome, tt.host, got, tt.want)
			}
		})
	}
}

func TestFilter_NilMatchesAll(t *testing.T) {
	var m *matcher
	if !m.Match("declined", "anything") {
		t.Fatal("nil matcher should match")
	}
}

func TestFilter_InvalidHostPattern(t *testing.T) {
	if _, err := (Filter{IncludeHosts: []string{"[a-"}}).compile(); err == nil {
		t.Fatal("expected error for unterminated class")
	}
}

func TestBuildResource(t *testing.T) {
	res := BuildResource("jailhttpd", map[string]string{"deployment.environment": "test"})
	found := false
	for _, kv := range res.Attributes() {
		if string(kv.Key) == "deployment.environment" && kv.Value.AsString() == "test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("extra attribute missing from %v", res.Attributes())
	}
}
