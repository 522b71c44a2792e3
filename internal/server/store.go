package server

import (
	"context"
	"fmt"
	"time"

	"github.com/agentsh/jailhttpd/internal/config"
	"github.com/agentsh/jailhttpd/internal/metrics"
	"github.com/agentsh/jailhttpd/internal/store"
	"github.com/agentsh/jailhttpd/internal/store/composite"
	"github.com/agentsh/jailhttpd/internal/store/jsonl"
	otelstore "github.com/agentsh/jailhttpd/internal/store/otel"
	"github.com/agentsh/jailhttpd/internal/store/sqlite"
)

// openAuditStore builds the audit sinks named by cfg. SQLite is the
// primary store and answers queries; JSONL and OTLP receive copies. The
// result is nil when auditing is disabled.
func openAuditStore(ctx context.Context, cfg config.AuditConfig, c *metrics.Collector) (store.TransitionStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	var others []store.TransitionStore
	closeAll := func() {
		_ = db.Close()
		for _, o := range others {
			_ = o.Close()
		}
	}

	if cfg.JSONL.Path != "" {
		js, err := jsonl.New(cfg.JSONL.Path, cfg.JSONL.MaxSizeMB, cfg.JSONL.MaxBackups)
		if err != nil {
			closeAll()
			return nil, err
		}
		others = append(others, js)
	}

	if cfg.OTLP.Enabled {
		var timeout time.Duration
		if cfg.OTLP.Timeout != "" {
			timeout, err = time.ParseDuration(cfg.OTLP.Timeout)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("parse audit.otlp.timeout: %w", err)
			}
		}
		exp, err := otelstore.New(ctx, otelstore.Config{
			Endpoint: cfg.OTLP.Endpoint,
			Protocol: cfg.OTLP.Protocol,
			Insecure: cfg.OTLP.Insecure,
			Headers:  cfg.OTLP.Headers,
			Timeout:  timeout,
			Filter: otelstore.Filter{
				IncludeOutcomes: cfg.OTLP.Filter.IncludeOutcomes,
				ExcludeOutcomes: cfg.OTLP.Filter.ExcludeOutcomes,
				IncludeHosts:    cfg.OTLP.Filter.IncludeHosts,
			},
			Resource: otelstore.BuildResource("jailhttpd", nil),
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		others = append(others, exp)
	}

	// Wrap the primary store so metrics count each record exactly once.
	primary := metrics.WrapTransitionStore(db, c)
	return composite.New(primary, others...), nil
}
