package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", TokenID(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStepID(ctx, "reserve")
	ctx = WithTokenID(ctx, "tok-9")

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "reserve", StepID(ctx))
	assert.Equal(t, "tok-9", TokenID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithStepID(WithRunID(context.Background(), "run-abc"), "charge")
	LogWith(ctx, logger).Info("test message")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-abc")
	assert.Contains(t, out, "step_id=charge")
	assert.NotContains(t, out, "token_id")
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithTokenID(WithRunID(context.Background(), "run-7"), "tok-1")
	logger.InfoContext(ctx, "suspended")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "run-7", rec["run_id"])
	assert.Equal(t, "tok-1", rec["token_id"])
	_, hasStep := rec["step_id"]
	assert.False(t, hasStep)
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).With("component", "sweeper")

	logger.InfoContext(WithRunID(context.Background(), "run-2"), "tick")
	assert.Contains(t, buf.String(), "component=sweeper")
	assert.Contains(t, buf.String(), "run_id=run-2")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
