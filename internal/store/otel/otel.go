// Package otel exports audit records as OpenTelemetry log records over
// OTLP.
package otel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"

	"github.com/agentsh/jailhttpd/internal/store"
)

// Config holds the configuration needed to construct a Store.
type Config struct {
	Endpoint string
	Protocol string // "grpc" or "http"
	Insecure bool
	Headers  map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Filter Filter

	Resource *resource.Resource
}

// Store implements store.TransitionStore by exporting records via OTEL.
// Export errors are dropped so that auditing never blocks the master.
type Store struct {
	filter *matcher

	logProvider *sdklog.LoggerProvider
	logger      otellog.Logger
}

var _ store.TransitionStore = (*Store)(nil)

// New creates a Store. The context is used for creating the exporter.
func New(ctx context.Context, cfg Config) (*Store, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 5 * time.Second
	}
	batchMaxSize := cfg.BatchMaxSize
	if batchMaxSize == 0 {
		batchMaxSize = 512
	}

	filter, err := cfg.Filter.compile()
	if err != nil {
		return nil, fmt.Errorf("otel audit filter: %w", err)
	}

	exp, err := newLogExporter(ctx, cfg, timeout)
	if err != nil {
		return nil, fmt.Errorf("otel log exporter: %w", err)
	}

	batchProc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportTimeout(timeout),
		sdklog.WithExportInterval(batchTimeout),
		sdklog.WithExportMaxBatchSize(batchMaxSize),
	)
	return newStore(filter, batchProc, cfg.Resource), nil
}

func newStore(filter *matcher, proc sdklog.Processor, res *resource.Resource) *Store {
	if res == nil {
		res = BuildResource("jailhttpd", nil)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(proc),
		sdklog.WithResource(res),
	)
	return &Store{
		filter:      filter,
		logProvider: lp,
		logger:      lp.Logger("jailhttpd/audit"),
	}
}

// Append converts and exports the record. Filtering is applied first.
func (s *Store) Append(ctx context.Context, rec store.Record) error {
	if !s.filter.Match(rec.Outcome, rec.Host) {
		return nil
	}
	s.logger.Emit(recordContext(ctx, rec), convertToLogRecord(rec))
	return nil
}

// Query is not supported. Records are exported fire-and-forget.
func (s *Store) Query(_ context.Context, _ store.Query) ([]store.Record, error) {
	return nil, fmt.Errorf("otel store does not support queries")
}

// Close shuts down the log provider, flushing any pending records.
// A 10-second timeout is applied.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.logProvider.Shutdown(ctx); err != nil {
		slog.Warn("otel log provider shutdown error", "error", err)
		return err
	}
	return nil
}

func newLogExporter(ctx context.Context, cfg Config, timeout time.Duration) (sdklog.Exporter, error) {
	switch cfg.Protocol {
	case "grpc":
		opts := []otlploggrpc.Option{
			otlploggrpc.WithEndpoint(cfg.Endpoint),
			otlploggrpc.WithTimeout(timeout),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, opts...)

	case "http":
		opts := []otlploghttp.Option{
			otlploghttp.WithEndpoint(cfg.Endpoint),
			otlploghttp.WithTimeout(timeout),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTEL protocol %q", cfg.Protocol)
	}
}
