package mock

import (
	"bufio"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/parser"
	"github.com/agent-racer/tracewatch/internal/trace"
)

func newTestGenerator(t *testing.T) (*Generator, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Now())
	g := NewGenerator(t.TempDir(), Options{Clock: clk, Seed: 1})
	require.NoError(t, g.Start())
	return g, clk
}

func lastLine(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		last = sc.Text()
	}
	require.NoError(t, sc.Err())
	return last
}

func sessionNamed(g *Generator, name string) *mockSession {
	for _, ms := range g.sessions {
		if ms.name == name {
			return ms
		}
	}
	return nil
}

func TestGeneratorWritesParseableSessions(t *testing.T) {
	g, _ := newTestGenerator(t)
	for tick := 1; tick <= 45; tick++ {
		require.NoError(t, g.advance(tick))
	}

	reg := parser.Default()
	for _, ms := range g.sessions {
		profile := "claude"
		if ms.format == codexFormat {
			profile = "codex"
		}
		info, err := os.Stat(ms.path)
		require.NoError(t, err)
		res := reg.ParseFile(trace.DiscoveredFile{ID: ms.id, Path: ms.path, Profile: profile, Size: info.Size(), ModTime: info.ModTime()})
		assert.Empty(t, res.ParseError, ms.name)
		assert.Zero(t, res.Malformed, ms.name)
		assert.Greater(t, len(res.Events), 10, ms.name)
		assert.Equal(t, ms.id, res.SessionID, ms.name)
	}
}

func TestGeneratorStallAsksAQuestion(t *testing.T) {
	g, _ := newTestGenerator(t)
	for tick := 1; tick <= 45; tick++ {
		require.NoError(t, g.advance(tick))
	}

	line := lastLine(t, sessionNamed(g, "opus-debug").path)
	assert.Equal(t, "assistant", gjson.Get(line, "type").String())
	assert.True(t, strings.HasSuffix(gjson.Get(line, "message.content.0.text").String(), "?"))
}

func TestGeneratorSessionsComplete(t *testing.T) {
	g, _ := newTestGenerator(t)
	for tick := 1; tick <= 1000; tick++ {
		require.NoError(t, g.advance(tick))
	}

	for _, ms := range g.sessions {
		assert.True(t, ms.completed, ms.name)
	}
	errored := sessionNamed(g, "sonnet-feature")
	assert.Contains(t, lastLine(t, errored.path), "API Error")
}

func TestGeneratorRunAppendsOnTick(t *testing.T) {
	g, clk := newTestGenerator(t)
	path := sessionNamed(g, "opus-refactor").path
	before, err := os.Stat(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Add(g.interval)
		info, err := os.Stat(path)
		return err == nil && info.Size() > before.Size()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestIndexOverMockRoots(t *testing.T) {
	g, clk := newTestGenerator(t)
	for tick := 1; tick <= 45; tick++ {
		require.NoError(t, g.advance(tick))
	}

	cfg := config.Default()
	cfg.Roots = g.Roots()
	cfg.Index.Watch = false
	cfg.Index.DiscoverWindow = 0
	ix, err := index.New(cfg, index.Options{Clock: clk})
	require.NoError(t, err)
	require.NoError(t, ix.Refresh(context.Background()))

	traces := ix.Summaries()
	require.Len(t, traces, len(g.sessions))

	agents := map[string]int{}
	for _, s := range traces {
		agents[s.Agent]++
		if s.SessionID == sessionNamed(g, "opus-debug").id {
			assert.Equal(t, trace.WaitingInput, s.Status)
		}
		assert.Greater(t, s.Metrics.TotalTokens, int64(0), s.Path)
	}
	assert.Equal(t, map[string]int{"claude": 5, "codex": 1}, agents)
}
