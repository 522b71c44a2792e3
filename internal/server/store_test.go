package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/jailhttpd/internal/config"
	"github.com/agentsh/jailhttpd/internal/metrics"
)

func otlpAuditConfig(t *testing.T, filter config.AuditFilterConfig) config.AuditConfig {
	t.Helper()
	return config.AuditConfig{
		Enabled:    true,
		SQLitePath: filepath.Join(t.TempDir(), "audit.db"),
		OTLP: config.AuditOTLPConfig{
			Enabled:  true,
			Endpoint: "127.0.0.1:1",
			Protocol: "http",
			Insecure: true,
			Filter:   filter,
		},
	}
}

func TestOpenAuditStore_Disabled(t *testing.T) {
	st, err := openAuditStore(context.Background(), config.AuditConfig{}, metrics.New())
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestOpenAuditStore_OTLPFilter(t *testing.T) {
	cfg := otlpAuditConfig(t, config.AuditFilterConfig{
		ExcludeOutcomes: []string{"declined"},
		IncludeHosts:    []string{"*.example.com"},
	})
	st, err := openAuditStore(context.Background(), cfg, metrics.New())
	require.NoError(t, err)
	require.NotNil(t, st)
	require.NoError(t, st.Close())
}

func TestOpenAuditStore_OTLPFilterInvalidHost(t *testing.T) {
	cfg := otlpAuditConfig(t, config.AuditFilterConfig{IncludeHosts: []string{"[a-"}})
	_, err := openAuditStore(context.Background(), cfg, metrics.New())
	assert.ErrorContains(t, err, "host pattern")
}
