package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/procscan"
	"github.com/agent-racer/tracewatch/internal/trace"
)

type stubIndex struct {
	*fakeSource
	traces    []trace.Summary
	refreshed int
	lastPage  index.PageQuery
}

func (s *stubIndex) Summaries() []trace.Summary {
	return append([]trace.Summary(nil), s.traces...)
}

func (s *stubIndex) find(id string) (trace.Summary, error) {
	for _, t := range s.traces {
		if t.ID == id {
			return t, nil
		}
	}
	return trace.Summary{}, fmt.Errorf("%w: %s", index.ErrUnknownTrace, id)
}

func (s *stubIndex) Detail(_ context.Context, id string) (index.Detail, error) {
	t, err := s.find(id)
	if err != nil {
		return index.Detail{}, err
	}
	return index.Detail{Summary: t, Events: []trace.Event{}}, nil
}

func (s *stubIndex) Page(_ context.Context, id string, q index.PageQuery) (index.Page, error) {
	s.lastPage = q
	if _, err := s.find(id); err != nil {
		return index.Page{}, err
	}
	return index.Page{TraceID: id, Events: []trace.Event{}}, nil
}

func (s *stubIndex) Refresh(context.Context) error {
	s.refreshed++
	return nil
}

func (s *stubIndex) Diagnostics() index.Diagnostics {
	return index.Diagnostics{Traces: len(s.traces)}
}

func newTestServer(t *testing.T, cfg config.ServerConfig) (*stubIndex, *Server, *httptest.Server) {
	t.Helper()
	ix := &stubIndex{
		fakeSource: newFakeSource(),
		traces: []trace.Summary{
			{ID: "t1", Agent: "claude", Status: trace.Running},
			{ID: "t2", Agent: "codex", Status: trace.Idle},
		},
	}
	b := NewBroadcaster(ix, 0, nil)
	t.Cleanup(b.Stop)
	s := NewServer(cfg, ix, b, nil)
	s.SetProcessLister(nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return ix, s, srv
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAuthorize(t *testing.T) {
	s := NewServer(config.ServerConfig{AuthToken: "tok"}, nil, nil, nil)

	tests := []struct {
		name  string
		setup func(*http.Request)
		want  bool
	}{
		{"none", func(*http.Request) {}, false},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=tok" }, true},
		{"header", func(r *http.Request) { r.Header.Set("X-Tracewatch-Token", "tok") }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }, true},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/traces", nil)
			tt.setup(r)
			if got := s.authorize(r); got != tt.want {
				t.Errorf("authorize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(config.ServerConfig{}, nil, nil, nil)
	restricted := NewServer(config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com", " "}}, nil, nil, nil)

	tests := []struct {
		name   string
		s      *Server
		origin string
		want   bool
	}{
		{"no origin", open, "", true},
		{"localhost", open, "http://localhost:5173", true},
		{"loopback v4", open, "http://127.0.0.1:3000", true},
		{"loopback v6", open, "http://[::1]:3000", true},
		{"same host", open, "http://example.test", true},
		{"foreign", open, "http://evil.test", false},
		{"allowed", restricted, "https://dash.example.com", true},
		{"allowed host other scheme", restricted, "http://dash.example.com", true},
		{"localhost when restricted", restricted, "http://localhost:5173", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.test/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := tt.s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestTracesEndpoint(t *testing.T) {
	_, _, srv := newTestServer(t, config.ServerConfig{})

	resp := get(t, srv.URL+"/api/traces")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var all []trace.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	assert.Len(t, all, 2)

	resp = get(t, srv.URL+"/api/traces?status=running")
	var running []trace.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&running))
	require.Len(t, running, 1)
	assert.Equal(t, "t1", running[0].ID)

	resp = get(t, srv.URL+"/api/traces?agent=codex")
	var codex []trace.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&codex))
	require.Len(t, codex, 1)
	assert.Equal(t, "t2", codex[0].ID)

	resp = get(t, srv.URL+"/api/traces?status=sleeping")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTraceEndpointNotFound(t *testing.T) {
	_, _, srv := newTestServer(t, config.ServerConfig{})

	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/api/traces/t1").StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/api/traces/missing").StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/api/traces/missing/events").StatusCode)
}

func TestEventsEndpointQuery(t *testing.T) {
	ix, _, srv := newTestServer(t, config.ServerConfig{})

	resp := get(t, srv.URL+"/api/traces/t1/events?limit=5&before=20&meta=true")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, index.PageQuery{Limit: 5, Before: 20, IncludeMeta: true}, ix.lastPage)

	for _, q := range []string{"limit=x", "limit=-1", "before=-2", "meta=maybe"} {
		assert.Equal(t, http.StatusBadRequest, get(t, srv.URL+"/api/traces/t1/events?"+q).StatusCode, q)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	ix, _, srv := newTestServer(t, config.ServerConfig{})

	resp, err := http.Post(srv.URL+"/api/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, ix.refreshed)

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, srv.URL+"/api/refresh").StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	_, s, srv := newTestServer(t, config.ServerConfig{})

	s.SetProcessLister(func(context.Context) ([]procscan.Process, error) {
		return []procscan.Process{{PID: 42, Agent: "claude"}}, nil
	})
	var body statusResponse
	require.NoError(t, json.NewDecoder(get(t, srv.URL+"/api/status").Body).Decode(&body))
	assert.Equal(t, 2, body.Traces)
	require.Len(t, body.Processes, 1)
	assert.Equal(t, int32(42), body.Processes[0].PID)

	s.SetProcessLister(func(context.Context) ([]procscan.Process, error) {
		return nil, errors.New("procfs unavailable")
	})
	body = statusResponse{}
	require.NoError(t, json.NewDecoder(get(t, srv.URL+"/api/status").Body).Decode(&body))
	assert.Equal(t, "procfs unavailable", body.ProcessError)
	assert.Empty(t, body.Processes)
}

func TestAPIRequiresToken(t *testing.T) {
	_, _, srv := newTestServer(t, config.ServerConfig{AuthToken: "tok"})

	assert.Equal(t, http.StatusUnauthorized, get(t, srv.URL+"/api/traces").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/api/traces?token=tok").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/healthz").StatusCode, "healthz is public")
}

func TestServerWithIndex(t *testing.T) {
	dir := t.TempDir()
	line := `{"type":"user","sessionId":"sess-9","timestamp":"2026-03-01T12:00:0%dZ","message":{"role":"user","content":"step %d"}}` + "\n"
	var content strings.Builder
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&content, line, i, i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.jsonl"), []byte(content.String()), 0o644))

	cfg := config.Default()
	cfg.Roots = []config.RootConfig{{Path: dir, Profile: "claude", Agent: "claude", Pattern: "*.jsonl", MaxDepth: 3}}
	cfg.Index.Watch = false
	cfg.Index.DiscoverWindow = 0

	ix, err := index.New(cfg, index.Options{})
	require.NoError(t, err)
	require.NoError(t, ix.Refresh(context.Background()))

	b := NewBroadcaster(ix, 0, nil)
	defer b.Stop()
	s := NewServer(cfg.Server, ix, b, nil)
	s.SetProcessLister(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var traces []trace.Summary
	require.NoError(t, json.NewDecoder(get(t, srv.URL+"/api/traces").Body).Decode(&traces))
	require.Len(t, traces, 1)
	assert.Equal(t, "sess-9", traces[0].SessionID)
	assert.Equal(t, 3, traces[0].EventCount)

	// Session ids resolve like trace ids.
	var page index.Page
	require.NoError(t, json.NewDecoder(get(t, srv.URL+"/api/traces/sess-9/events?limit=2").Body).Decode(&page))
	assert.Equal(t, traces[0].ID, page.TraceID)
	require.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, page.NextBefore)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler(), nil)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
