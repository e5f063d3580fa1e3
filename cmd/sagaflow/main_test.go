package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

func testConfig() Config {
	cfg := defaultConfig()
	cfg.PoolSize = 2
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const greetFlow = `{
	"name": "greet",
	"steps": [
		{"id": "hello", "operation": "set", "options": {"value": "hi ${{ inputs.name }}"}}
	]
}`

func TestApp_WiresInMemoryStack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, testConfig(), quietLogger())
	require.NoError(t, err)
	defer a.close()

	_, ok := a.store.(*store.MemoryStore)
	assert.True(t, ok)
	assert.Nil(t, a.collector, "metrics stay off without an address")

	require.NoError(t, a.start(ctx))

	res, err := a.flows.Define(ctx, json.RawMessage(greetFlow))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)

	started, err := a.engine.Start(ctx, "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, started.RunStatus)
}

func TestApp_RestoresFlowsOnStart(t *testing.T) {
	ctx := context.Background()

	a, err := newApp(ctx, testConfig(), quietLogger())
	require.NoError(t, err)
	defer a.close()

	// A flow persisted by an earlier process.
	require.NoError(t, a.store.SaveFlow(ctx, &store.Flow{Name: "greet", Definition: json.RawMessage(greetFlow)}))

	require.NoError(t, a.start(ctx))
	assert.Contains(t, a.engine.Catalog().List(), "greet")
}

func TestApp_MetricsEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsAddr = "127.0.0.1:0"

	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.close()
	require.NotNil(t, a.collector)

	srv := httptest.NewServer(a.metricsMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sagaflow_sweep_pool_active")
}

func TestNewApp_RejectsBadMaxSleep(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSleep = "soon"

	_, err := newApp(context.Background(), cfg, quietLogger())
	require.Error(t, err)
}
