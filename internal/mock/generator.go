// Package mock writes synthetic agent sessions to disk so the index can be
// exercised end to end without running any agents.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agent-racer/tracewatch/internal/config"
)

type format int

const (
	claudeFormat format = iota
	codexFormat
)

type mockSession struct {
	id         string
	name       string
	format     format
	model      string
	workingDir string
	pattern    string
	tools      []string
	maxTurns   int
	errorAt    int

	path        string
	toolIdx     int
	turns       int
	tokens      int64
	pendingTool string
	pendingName string
	completed   bool
}

// Generator appends records to one file per mock session on every tick.
type Generator struct {
	root     string
	clk      clock.Clock
	interval time.Duration
	rnd      *rand.Rand
	log      *zap.Logger
	sessions []*mockSession
}

type Options struct {
	Clock    clock.Clock
	Interval time.Duration
	Seed     int64
	Logger   *zap.Logger
}

func NewGenerator(root string, opts Options) *Generator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Generator{
		root:     root,
		clk:      opts.Clock,
		interval: opts.Interval,
		rnd:      rand.New(rand.NewSource(opts.Seed)),
		log:      opts.Logger,
	}
}

// Roots are the discovery roots covering everything the generator writes.
func (g *Generator) Roots() []config.RootConfig {
	return []config.RootConfig{
		{Path: filepath.Join(g.root, "claude"), Profile: "claude", Agent: "claude", Pattern: "*.jsonl", MaxDepth: 3},
		{Path: filepath.Join(g.root, "codex"), Profile: "codex", Agent: "codex", Pattern: "rollout-*.jsonl", MaxDepth: 4},
	}
}

// Start creates the session files with their opening records.
func (g *Generator) Start() error {
	now := g.clk.Now()
	g.sessions = []*mockSession{
		{name: "opus-refactor", format: claudeFormat, model: "claude-opus-4-5-20251101", workingDir: "/home/user/myproject",
			pattern: "steady", maxTurns: 150, tools: []string{"Read", "Grep", "Edit", "Write", "Bash", "Edit", "Read", "Write"}},
		{name: "sonnet-tests", format: claudeFormat, model: "claude-sonnet-4-20250514", workingDir: "/home/user/webapp",
			pattern: "burst", maxTurns: 120, tools: []string{"Read", "Write", "Bash", "Bash", "Write", "Bash"}},
		{name: "opus-debug", format: claudeFormat, model: "claude-opus-4-5-20251101", workingDir: "/home/user/api-server",
			pattern: "stall", maxTurns: 400, tools: []string{"Read", "Grep", "Grep", "Read", "Bash", "LSP"}},
		{name: "sonnet-feature", format: claudeFormat, model: "claude-sonnet-4-5-20250929", workingDir: "/home/user/frontend",
			pattern: "error", maxTurns: 200, errorAt: 60, tools: []string{"Glob", "Read", "Edit", "Write", "Bash", "Edit"}},
		{name: "opus-review", format: claudeFormat, model: "claude-opus-4-5-20251101", workingDir: "/home/user/library",
			pattern: "methodical", maxTurns: 250, tools: []string{"Read", "LSP", "Read", "Grep", "Read", "LSP", "Read", "Task"}},
		{name: "codex-migrate", format: codexFormat, model: "o3", workingDir: "/home/user/database",
			pattern: "burst", maxTurns: 120, tools: []string{"shell", "apply_patch", "shell", "shell"}},
	}

	for _, ms := range g.sessions {
		ms.id = uuid.NewString()
		switch ms.format {
		case codexFormat:
			ms.path = filepath.Join(g.root, "codex", now.Format("2006/01/02"),
				fmt.Sprintf("rollout-%s-%s.jsonl", now.Format("2006-01-02T15-04-05"), ms.id))
		default:
			ms.path = filepath.Join(g.root, "claude", projectDir(ms.workingDir), ms.id+".jsonl")
		}
		if err := os.MkdirAll(filepath.Dir(ms.path), 0o755); err != nil {
			return fmt.Errorf("create mock session dir: %w", err)
		}

		var recs []any
		if ms.format == codexFormat {
			recs = append(recs, codexRecord(now, "session_meta", map[string]any{
				"id": ms.id, "cwd": ms.workingDir, "model": ms.model, "originator": "mock",
			}))
		}
		recs = append(recs, g.userText(ms, now, "Let's work on "+ms.name+"."))
		if err := g.write(ms, recs...); err != nil {
			return err
		}
	}
	g.log.Info("mock sessions started", zap.String("root", g.root), zap.Int("sessions", len(g.sessions)))
	return nil
}

// projectDir mirrors how Claude Code names project directories.
func projectDir(cwd string) string {
	out := []byte(cwd)
	for i, c := range out {
		if c == '/' || c == '.' {
			out[i] = '-'
		}
	}
	return string(out)
}

// Run advances every session on each tick until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	ticker := g.clk.Ticker(g.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			if err := g.advance(tick); err != nil {
				return err
			}
		}
	}
}

func (g *Generator) advance(tick int) error {
	now := g.clk.Now()
	for _, ms := range g.sessions {
		if ms.completed {
			continue
		}
		recs := g.step(ms, tick, now)
		if ms.format == codexFormat && len(recs) > 0 {
			recs = append(recs, tokenCount(ms, now))
		}
		if err := g.write(ms, recs...); err != nil {
			return err
		}
	}
	return nil
}

// step returns the records one session appends this tick.
func (g *Generator) step(ms *mockSession, tick int, now time.Time) []any {
	if ms.pendingTool != "" {
		return []any{g.toolResult(ms, now)}
	}

	switch ms.pattern {
	case "stall":
		// Work for 40 ticks, then wait on the user for 30.
		const cyclePeriod, stallStart = 70, 40
		switch phase := tick % cyclePeriod; {
		case phase == stallStart:
			return []any{g.assistantText(ms, now, "I found two candidate fixes. Should I go ahead with the smaller one?")}
		case phase > stallStart:
			return nil
		case phase == 0:
			return []any{g.userText(ms, now, "Yes, go ahead.")}
		}
	case "error":
		if ms.turns >= ms.errorAt {
			ms.completed = true
			return []any{g.assistantText(ms, now, "API Error: 529 overloaded_error")}
		}
	}

	if ms.turns >= ms.maxTurns {
		ms.completed = true
		return []any{g.assistantText(ms, now, "All done. The changes are ready for review.")}
	}

	n := 1
	if ms.pattern == "burst" && tick%8 < 3 {
		n = 3
	}
	var recs []any
	for i := 0; i < n && ms.pendingTool == ""; i++ {
		ms.turns++
		if g.wantsTool(ms, tick) {
			recs = append(recs, g.toolUse(ms, now))
		} else {
			recs = append(recs, g.assistantText(ms, now, fmt.Sprintf("Working through step %d.", ms.turns)))
		}
	}
	return recs
}

func (g *Generator) wantsTool(ms *mockSession, tick int) bool {
	switch ms.pattern {
	case "methodical":
		// Mostly reading, with a sinusoidal pace.
		return tick%5 != 0 && math.Sin(float64(tick)/10.0) > -0.7
	case "burst":
		return tick%8 < 3
	case "stall":
		return tick%4 == 0
	default:
		return tick%3 == 0
	}
}

func (g *Generator) write(ms *mockSession, recs ...any) error {
	if len(recs) == 0 {
		return nil
	}
	f, err := os.OpenFile(ms.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open mock session: %w", err)
	}
	defer f.Close()

	var buf []byte
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf = append(append(buf, line...), '\n')
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("append mock session: %w", err)
	}
	return nil
}

func (g *Generator) usage(ms *mockSession) (in, out int64) {
	in = int64(400 + g.rnd.Intn(800))
	out = int64(50 + g.rnd.Intn(400))
	ms.tokens += in + out
	return in, out
}
