package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFlowFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunDiagram_Stdout(t *testing.T) {
	path := writeFlowFile(t, reviewFlow)

	var out bytes.Buffer
	require.NoError(t, runDiagram(context.Background(), []string{"-format", "mermaid", path}, &out))
	assert.Contains(t, out.String(), "graph TD")
	assert.Contains(t, out.String(), "check -->|failure| manual")
	assert.Contains(t, out.String(), "approve --> __end__")

	out.Reset()
	require.NoError(t, runDiagram(context.Background(), []string{path}, &out))
	assert.Contains(t, out.String(), "=== review ===")
}

func TestRunDiagram_File(t *testing.T) {
	path := writeFlowFile(t, reviewFlow)
	target := filepath.Join(t.TempDir(), "review.svg")

	var out bytes.Buffer
	require.NoError(t, runDiagram(context.Background(), []string{"-format", "svg", "-o", target, path}, &out))
	assert.Contains(t, out.String(), "written: "+target)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")
}

func TestRunDiagram_Errors(t *testing.T) {
	good := writeFlowFile(t, reviewFlow)
	tests := []struct {
		name string
		args []string
	}{
		{"no file", nil},
		{"missing file", []string{filepath.Join(t.TempDir(), "nope.json")}},
		{"bad json", []string{writeFlowFile(t, `{"name":`)}},
		{"bad timeout", []string{writeFlowFile(t, `{"name":"x","steps":[{"id":"a","operation":"set","async":{"timeout":"never"}}]}`)}},
		{"bad format", []string{"-format", "gif", good}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, runDiagram(context.Background(), tt.args, &bytes.Buffer{}))
		})
	}
}
