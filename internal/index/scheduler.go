package index

import (
	"sync"
	"time"

	"github.com/agent-racer/tracewatch/internal/config"
)

// action is the kind of refresh cycle to run. Higher values do strictly
// more work, so a pending request can be upgraded with max.
type action int

const (
	// actionTick recomputes retention and status without touching files.
	actionTick action = iota
	// actionDirty re-reads only paths reported by the watcher.
	actionDirty
	// actionFull rediscovers every root and reconciles the whole index.
	actionFull
)

func (a action) String() string {
	switch a {
	case actionTick:
		return "tick"
	case actionDirty:
		return "dirty"
	case actionFull:
		return "full"
	}
	return "unknown"
}

// schedState is everything decide needs to pick the next action.
type schedState struct {
	started      bool
	watching     bool
	lastFull     time.Time
	fullInterval time.Duration
	dirty        int
}

// decide picks the next cycle. It is pure so the policy can be tested
// without a watcher or timers.
func decide(now time.Time, st schedState) action {
	switch {
	case !st.started, !st.watching:
		return actionFull
	case st.fullInterval > 0 && now.Sub(st.lastFull) >= st.fullInterval:
		return actionFull
	case st.dirty > 0:
		return actionDirty
	default:
		return actionTick
	}
}

// cadence is the adaptive polling interval: it snaps to min after a cycle
// that changed something and backs off geometrically toward max while idle.
type cadence struct {
	fixed  time.Duration
	min    time.Duration
	max    time.Duration
	factor float64
	cur    time.Duration
}

func newCadence(cfg config.IndexConfig) *cadence {
	c := &cadence{
		fixed:  cfg.PollInterval,
		min:    cfg.MinPollInterval,
		max:    cfg.MaxPollInterval,
		factor: cfg.BackoffFactor,
	}
	if c.factor < 1 {
		c.factor = 1
	}
	c.cur = c.min
	return c
}

func (c *cadence) current() time.Duration {
	if c.fixed > 0 {
		return c.fixed
	}
	return c.cur
}

func (c *cadence) next(mutated bool) time.Duration {
	if c.fixed > 0 {
		return c.fixed
	}
	if mutated {
		c.cur = c.min
		return c.cur
	}
	c.cur = time.Duration(float64(c.cur) * c.factor)
	if c.cur > c.max {
		c.cur = c.max
	}
	return c.cur
}

// cycleGate admits one refresh cycle at a time. A request that arrives
// while a cycle runs sets a single pending flag (keeping the strongest
// action asked for) and the running caller performs exactly one more cycle
// before returning.
type cycleGate struct {
	mu      sync.Mutex
	running bool
	pending bool
	next    action
}

// run executes fn for act unless a cycle is already in flight, in which
// case the request is folded into the pending flag and run returns false.
func (g *cycleGate) run(act action, fn func(action)) bool {
	g.mu.Lock()
	if g.running {
		g.pending = true
		g.next = max(g.next, act)
		g.mu.Unlock()
		return false
	}
	g.running = true
	g.mu.Unlock()

	for {
		fn(act)

		g.mu.Lock()
		if !g.pending {
			g.running = false
			g.mu.Unlock()
			return true
		}
		act = g.next
		g.pending = false
		g.next = actionTick
		g.mu.Unlock()
	}
}

func (g *cycleGate) busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}
