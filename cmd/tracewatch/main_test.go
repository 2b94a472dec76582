package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/trace"
)

// setupRoot writes one Claude session and a config pointing at it.
func setupRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "projects")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "-home-u-app"), 0o755))

	var lines strings.Builder
	for i := 0; i < 4; i++ {
		fmt.Fprintf(&lines, `{"type":"user","sessionId":"sess-cli","timestamp":"2026-03-01T12:00:0%dZ","message":{"role":"user","content":"message %d"}}`+"\n", i, i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "-home-u-app", "sess-cli.jsonl"), []byte(lines.String()), 0o644))

	cfg := fmt.Sprintf(`roots:
  - path: %s
    profile: claude
    agent: claude
    pattern: "*.jsonl"
    max_depth: 3
index:
  discover_window: 0s
log:
  level: error
`, root)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("NO_COLOR", "1")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestListJSON(t *testing.T) {
	cfg := setupRoot(t)

	out, err := run(t, "--config", cfg, "list", "--json")
	require.NoError(t, err)

	var traces []trace.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &traces))
	require.Len(t, traces, 1)
	assert.Equal(t, "sess-cli", traces[0].SessionID)
	assert.Equal(t, 4, traces[0].EventCount)
}

func TestListStatusFilter(t *testing.T) {
	cfg := setupRoot(t)

	out, err := run(t, "--config", cfg, "list", "--json", "--status", "waiting_input")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	_, err = run(t, "--config", cfg, "list", "--status", "busy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestListTable(t *testing.T) {
	cfg := setupRoot(t)

	out, err := run(t, "--config", cfg, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "AGENT")
	assert.Contains(t, out, "[C] claude")
}

func TestShowBySessionID(t *testing.T) {
	cfg := setupRoot(t)

	out, err := run(t, "--config", cfg, "show", "sess-cli", "--limit", "2", "--json")
	require.NoError(t, err)

	var got struct {
		Summary trace.Summary `json:"summary"`
		Page    index.Page    `json:"page"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, got.Summary.ID, got.Page.TraceID)
	require.Len(t, got.Page.Events, 2)
	assert.Equal(t, 3, got.Page.Events[0].Index)
	assert.True(t, got.Page.HasMore)

	out, err = run(t, "--config", cfg, "show", "sess-cli", "--before", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "message 0")
	assert.NotContains(t, out, "message 3")
}

func TestShowUnknown(t *testing.T) {
	cfg := setupRoot(t)

	_, err := run(t, "--config", cfg, "show", "nope")
	require.ErrorIs(t, err, index.ErrUnknownTrace)
}

func TestOpenIndexLoggerName(t *testing.T) {
	a := &app{configPath: setupRoot(t)}
	require.NoError(t, a.load())
	core, logs := observer.New(zap.DebugLevel)
	a.log = zap.New(core)

	_, err := a.openIndex(context.Background())
	require.NoError(t, err)

	entries := logs.All()
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, "index", e.LoggerName, e.Message)
	}
}
