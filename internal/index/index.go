// Package index keeps an incrementally maintained, queryable view of agent
// trace files and publishes every change to a stream.Bus.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/discovery"
	"github.com/agent-racer/tracewatch/internal/parser"
	"github.com/agent-racer/tracewatch/internal/redact"
	"github.com/agent-racer/tracewatch/internal/stream"
	"github.com/agent-racer/tracewatch/internal/trace"
)

// Discoverer finds trace files under the configured roots.
type Discoverer interface {
	Roots() []config.RootConfig
	Discover(ctx context.Context) ([]trace.DiscoveredFile, error)
	Classify(path string) (trace.DiscoveredFile, error)
	WatchDirs() []string
	Watchable(dir string) bool
}

// Registry parses trace files and fragments.
type Registry interface {
	Lookup(name string) (parser.Parser, bool)
	ParseFile(file trace.DiscoveredFile) parser.Result
	ParseText(file trace.DiscoveredFile, fragment []byte, parserName string) parser.Result
}

// Options carries the Index collaborators. Zero fields get defaults built
// from the config.
type Options struct {
	Discoverer Discoverer
	Registry   Registry
	Redactor   *redact.Redactor
	Bus        *stream.Bus
	Clock      clock.Clock
	Logger     *zap.Logger
	Meter      metric.Meter
}

// Index is the trace index. Queries read an immutable snapshot and never
// block on a refresh; refresh cycles and materialization serialize on mu.
type Index struct {
	cfg       *config.Config
	disc      Discoverer
	reg       Registry
	redactor  *redact.Redactor
	bus       *stream.Bus
	clk       clock.Clock
	log       *zap.Logger
	ins       *instruments
	health    *healthBook
	retention retentionPolicy
	activity  activityPolicy

	gate cycleGate
	wake chan struct{}

	mu       sync.Mutex
	entries  map[string]*entry
	overview stream.Overview
	started  bool
	lastFull time.Time

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	statsMu   sync.Mutex
	lastCycle time.Time
	cycleDur  time.Duration
	cycles    map[string]int64

	watching atomic.Bool
	snap     atomic.Pointer[snapshot]
}

// New builds an Index from cfg. Nothing is read from disk until Refresh or
// Run is called.
func New(cfg *config.Config, opts Options) (*Index, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Discoverer == nil {
		opts.Discoverer = discovery.New(cfg.Roots, cfg.Privacy, cfg.Index.DiscoverWindow)
	}
	if opts.Registry == nil {
		opts.Registry = parser.Default()
	}
	if opts.Redactor == nil {
		r, err := redact.New(cfg.Redaction.Enabled, cfg.Redaction.Patterns)
		if err != nil {
			return nil, err
		}
		opts.Redactor = r
	}
	if opts.Bus == nil {
		opts.Bus = stream.NewBus()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("github.com/agent-racer/tracewatch/internal/index")
	}

	ix := &Index{
		cfg:       cfg,
		disc:      opts.Discoverer,
		reg:       opts.Registry,
		redactor:  opts.Redactor,
		bus:       opts.Bus,
		clk:       opts.Clock,
		log:       opts.Logger.Named("index"),
		health:    newHealthBook(cfg.Index.HealthThreshold),
		retention: newRetentionPolicy(cfg.Retention),
		activity:  newActivityPolicy(cfg.Activity),
		wake:      make(chan struct{}, 1),
		entries:   make(map[string]*entry),
		dirty:     make(map[string]struct{}),
		cycles:    make(map[string]int64),
	}
	ins, err := newInstruments(opts.Meter, func() int64 {
		if s := ix.snap.Load(); s != nil {
			return int64(len(s.order))
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	ix.ins = ins
	return ix, nil
}

// Bus returns the bus the index publishes to. The index must be its only
// publisher.
func (ix *Index) Bus() *stream.Bus { return ix.bus }

// Subscribe registers h for every change envelope published after the call.
func (ix *Index) Subscribe(h stream.Handler) func() { return ix.bus.Subscribe(h) }

// Refresh runs a full cycle now. If a cycle is already running the request
// is folded into it and Refresh returns without waiting.
func (ix *Index) Refresh(ctx context.Context) error {
	ix.runCycle(ctx, actionFull)
	return ctx.Err()
}

// Run starts the watcher and the refresh loop and blocks until ctx is
// cancelled.
func (ix *Index) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if ix.cfg.Index.Watch {
		w, err := newWatcher(ix.disc, ix.clk, ix.cfg.Index.Debounce, ix.markDirty, ix.requestCycle, ix.log)
		if err != nil {
			ix.log.Warn("file watching unavailable, polling only", zap.Error(err))
		} else {
			ix.watching.Store(true)
			g.Go(func() error {
				defer ix.watching.Store(false)
				return w.run(ctx)
			})
		}
	}
	g.Go(func() error { return ix.loop(ctx) })
	return g.Wait()
}

func (ix *Index) loop(ctx context.Context) error {
	cad := newCadence(ix.cfg.Index)
	ix.runCycle(ctx, actionFull)

	timer := ix.clk.Timer(cad.current())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-ix.wake:
		}
		if ctx.Err() != nil {
			return nil
		}

		act := decide(ix.clk.Now(), ix.schedState())
		mutated := ix.runCycle(ctx, act)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(cad.next(mutated))
	}
}

func (ix *Index) schedState() schedState {
	ix.mu.Lock()
	started, lastFull := ix.started, ix.lastFull
	ix.mu.Unlock()

	ix.dirtyMu.Lock()
	dirty := len(ix.dirty)
	ix.dirtyMu.Unlock()

	return schedState{
		started:      started,
		watching:     ix.watching.Load(),
		lastFull:     lastFull,
		fullInterval: ix.cfg.Index.FullRefreshInterval,
		dirty:        dirty,
	}
}

// runCycle runs act through the gate and reports whether any cycle it ran
// changed files in the index.
func (ix *Index) runCycle(ctx context.Context, act action) bool {
	mutated := false
	ix.gate.run(act, func(a action) {
		if ix.cycle(ctx, a) {
			mutated = true
		}
	})
	return mutated
}

func (ix *Index) markDirty(path string) {
	ix.dirtyMu.Lock()
	ix.dirty[filepath.Clean(path)] = struct{}{}
	ix.dirtyMu.Unlock()
}

func (ix *Index) requestCycle() {
	select {
	case ix.wake <- struct{}{}:
	default:
	}
}

// takeDirty removes up to limit dirty paths in sorted order. more reports
// whether paths were left for a later cycle.
func (ix *Index) takeDirty(limit int) (paths []string, more bool) {
	ix.dirtyMu.Lock()
	defer ix.dirtyMu.Unlock()
	for p := range ix.dirty {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	if limit > 0 && len(paths) > limit {
		paths, more = paths[:limit], true
	}
	for _, p := range paths {
		delete(ix.dirty, p)
	}
	return paths, more
}

func (ix *Index) clearDirty() {
	ix.dirtyMu.Lock()
	clear(ix.dirty)
	ix.dirtyMu.Unlock()
}

// pendingEnvelope is a change computed during a cycle and published after
// the snapshot is committed.
type pendingEnvelope struct {
	typ     stream.Type
	payload any
}

// cycle runs one refresh and reports whether any file-level change
// happened. Caller must go through the gate.
func (ix *Index) cycle(ctx context.Context, act action) bool {
	start := ix.clk.Now()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	prev := make(map[string]trace.Summary, len(ix.entries))
	for id, e := range ix.entries {
		prev[id] = e.summary
	}

	appended := make(map[string][]trace.Event)
	var (
		removed []*entry
		touched int
	)
	switch act {
	case actionFull:
		removed, touched = ix.reconcileAll(ctx, appended)
	case actionDirty:
		removed, touched = ix.reconcileDirty(ctx, appended)
	}

	now := ix.clk.Now()
	ranked := ix.settle(ctx, now)
	envs := ix.changes(prev, removed, appended, ranked)
	ix.commit(ctx, envs, ranked)

	ix.started = true
	if act == actionFull {
		ix.lastFull = now
	}

	dur := ix.clk.Since(start)
	ix.ins.cycle(ctx, act, dur)
	ix.statsMu.Lock()
	ix.lastCycle = now
	ix.cycleDur = dur
	ix.cycles[act.String()]++
	ix.statsMu.Unlock()

	if touched > 0 || len(removed) > 0 {
		ix.log.Debug("cycle",
			zap.Stringer("mode", act),
			zap.Int("touched", touched),
			zap.Int("removed", len(removed)),
			zap.Int("envelopes", len(envs)),
			zap.Duration("took", dur),
		)
		return true
	}
	return false
}

// reconcileAll rediscovers every root. Traces under a root whose discovery
// failed are kept rather than removed.
func (ix *Index) reconcileAll(ctx context.Context, appended map[string][]trace.Event) (removed []*entry, touched int) {
	ix.clearDirty()

	files, err := ix.disc.Discover(ctx)
	if ctx.Err() != nil {
		return nil, 0
	}
	failed, all := ix.recordDiscovery(err)

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.ID] = true
		if ix.upsert(ctx, f, appended) {
			touched++
		}
	}
	if all {
		return nil, touched
	}
	for id, e := range ix.entries {
		if !seen[id] && !failed[e.file.Profile] {
			removed = append(removed, ix.remove(id))
		}
	}
	return removed, touched
}

// recordDiscovery updates per-root health. all is set when the error could
// not be attributed to specific roots.
func (ix *Index) recordDiscovery(err error) (failed map[string]bool, all bool) {
	failed = make(map[string]bool)
	now := ix.clk.Now()
	rootErrs := discovery.RootErrors(err)
	if err != nil && len(rootErrs) == 0 {
		ix.log.Warn("discovery failed", zap.Error(err))
		all = true
	}
	for _, re := range rootErrs {
		failed[re.Profile] = true
		ix.health.source(re.Profile).recordDiscoverFailure(re, now)
		ix.log.Warn("root discovery failed", zap.String("profile", re.Profile), zap.String("path", re.Path), zap.Error(re.Err))
	}
	for _, root := range ix.disc.Roots() {
		switch {
		case all:
			ix.health.source(root.Profile).recordDiscoverFailure(err, now)
		case !failed[root.Profile]:
			ix.health.source(root.Profile).recordDiscoverSuccess()
		}
	}
	return failed, all
}

// reconcileDirty re-examines the paths the watcher reported. Batches are
// capped; leftovers are carried to an immediate follow-up cycle.
func (ix *Index) reconcileDirty(ctx context.Context, appended map[string][]trace.Event) (removed []*entry, touched int) {
	paths, more := ix.takeDirty(ix.cfg.Index.MaxDirtyPerCycle)
	if more {
		defer ix.requestCycle()
	}

	for _, p := range paths {
		f, err := ix.disc.Classify(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			prefix := p + string(filepath.Separator)
			for id, e := range ix.entries {
				if e.file.Path == p || strings.HasPrefix(e.file.Path, prefix) {
					removed = append(removed, ix.remove(id))
				}
			}
		case errors.Is(err, discovery.ErrNotTrace):
		case err != nil:
			ix.log.Debug("classify failed", zap.String("path", p), zap.Error(err))
		default:
			for id, e := range ix.entries {
				if e.file.Path == f.Path && id != f.ID {
					removed = append(removed, ix.remove(id))
				}
			}
			if ix.upsert(ctx, f, appended) {
				touched++
			}
		}
	}
	return removed, touched
}

// upsert adds a new trace or brings a changed one up to date.
func (ix *Index) upsert(ctx context.Context, f trace.DiscoveredFile, appended map[string][]trace.Event) bool {
	e, ok := ix.entries[f.ID]
	if !ok {
		e = &entry{}
		ix.parseFull(ctx, e, f)
		ix.entries[f.ID] = e
		return true
	}
	if e.file.Size == f.Size && e.file.ModTime.Equal(f.ModTime) {
		return false
	}
	if evs := ix.refreshEntry(ctx, e, f); len(evs) > 0 {
		appended[f.ID] = append(appended[f.ID], evs...)
	}
	return true
}

func (ix *Index) remove(id string) *entry {
	e := ix.entries[id]
	delete(ix.entries, id)
	ix.health.source(e.file.Profile).removeTrace(id)
	return e
}

// settle classifies every entry against now and applies retention. Entries
// promoted out of cold are reloaded up to their recorded size. It returns
// the entries in recency order.
func (ix *Index) settle(ctx context.Context, now time.Time) []*entry {
	ranked := make([]*entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		e.summary.Status, e.summary.StatusReason = classify(e.signals, e.summary.UpdatedAt, now, ix.activity)
		ranked = append(ranked, e)
	}
	ix.retention.apply(ranked, now)

	for _, e := range ranked {
		if !ix.retention.starved(e) {
			continue
		}
		tier := e.summary.Tier
		ix.rehydrate(ctx, e)
		e.summary.Status, e.summary.StatusReason = classify(e.signals, e.summary.UpdatedAt, now, ix.activity)
		ix.retention.retain(e, tier, now)
		ix.log.Debug("promoted", zap.String("trace", e.file.ID), zap.String("tier", string(tier)), zap.Int("resident", len(e.resident)))
	}
	return ranked
}

// changes diffs the cycle's summaries against prev. Removals come first,
// then additions and updates in recency order, each update followed by its
// appended events, then the overview if it moved.
func (ix *Index) changes(prev map[string]trace.Summary, removed []*entry, appended map[string][]trace.Event, ranked []*entry) []pendingEnvelope {
	var envs []pendingEnvelope
	for _, e := range removed {
		envs = append(envs, pendingEnvelope{stream.TraceRemoved, stream.RemovedPayload{ID: e.file.ID, Path: e.file.Path}})
	}
	for _, e := range ranked {
		old, existed := prev[e.file.ID]
		switch {
		case !existed:
			envs = append(envs, pendingEnvelope{stream.TraceAdded, stream.TracePayload{Summary: e.summary.Clone()}})
			continue
		case !reflect.DeepEqual(old, e.summary):
			envs = append(envs, pendingEnvelope{stream.TraceUpdated, stream.TracePayload{Summary: e.summary.Clone()}})
		}
		if evs := appended[e.file.ID]; len(evs) > 0 {
			envs = append(envs, pendingEnvelope{stream.EventsAppended, ix.appendedPayload(e, evs)})
		}
	}
	if ov := overviewOf(ranked); !reflect.DeepEqual(ov, ix.overview) {
		ix.overview = ov
		envs = append(envs, pendingEnvelope{stream.OverviewUpdated, ov})
	}
	return envs
}

func (ix *Index) appendedPayload(e *entry, evs []trace.Event) stream.AppendedPayload {
	batch := ix.cfg.Retention.AppendBatch
	p := stream.AppendedPayload{
		TraceID:     e.file.ID,
		Appended:    len(evs),
		TotalEvents: e.summary.EventCount,
	}
	if batch > 0 && len(evs) > batch {
		evs = evs[len(evs)-batch:]
		p.Truncated = true
	}
	p.Events = slices.Clone(evs)
	return p
}

// commit stores the new snapshot and then publishes envs. The snapshot is
// stamped with the version the last envelope will get, so a reader that
// sees the snapshot can ignore every envelope at or below it.
func (ix *Index) commit(ctx context.Context, envs []pendingEnvelope, ranked []*entry) {
	version := ix.bus.Version() + uint64(len(envs))
	ix.snap.Store(buildSnapshot(ranked, ix.overview, version))
	for _, env := range envs {
		ix.bus.Publish(env.typ, env.payload)
		ix.ins.envelope(ctx, string(env.typ))
	}
}

func overviewOf(entries []*entry) stream.Overview {
	ov := stream.Overview{
		ByStatus: make(map[string]int),
		ByAgent:  make(map[string]int),
		ByTier:   make(map[string]int),
	}
	for _, e := range entries {
		s := e.summary
		ov.Traces++
		ov.Events += s.EventCount
		if s.ParseError != "" {
			ov.Unparseable++
		}
		ov.ByStatus[s.Status.String()]++
		ov.ByAgent[s.Agent]++
		ov.ByTier[string(s.Tier)]++
	}
	return ov
}

// materialize loads the full history of id, pins it resident for the pin
// TTL and returns the refreshed view.
func (ix *Index) materialize(ctx context.Context, id string) (*view, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrace, id)
	}
	before := e.summary
	now := ix.clk.Now()

	if e.full == nil {
		ix.rehydrate(ctx, e)
		e.summary.Status, e.summary.StatusReason = classify(e.signals, e.summary.UpdatedAt, now, ix.activity)
		ix.log.Debug("materialized", zap.String("trace", id), zap.Int("events", len(e.full)))
	}
	e.pinnedUntil = now.Add(ix.retention.pinTTL)
	e.resident = e.full
	e.summary.Tier = before.Tier
	e.summary.ResidentEvents = len(e.resident)
	e.summary.Materialized = true

	ranked := make([]*entry, 0, len(ix.entries))
	for _, other := range ix.entries {
		ranked = append(ranked, other)
	}
	rankEntries(ranked)

	var envs []pendingEnvelope
	if contentChanged(before, e.summary) {
		envs = append(envs, pendingEnvelope{stream.TraceUpdated, stream.TracePayload{Summary: e.summary.Clone()}})
		if ov := overviewOf(ranked); !reflect.DeepEqual(ov, ix.overview) {
			ix.overview = ov
			envs = append(envs, pendingEnvelope{stream.OverviewUpdated, ov})
		}
	}
	ix.commit(ctx, envs, ranked)
	return ix.snap.Load().byID[id], nil
}

// contentChanged compares summaries ignoring the residency fields.
func contentChanged(a, b trace.Summary) bool {
	a.Tier, a.ResidentEvents, a.Materialized = "", 0, false
	b.Tier, b.ResidentEvents, b.Materialized = "", 0, false
	return !reflect.DeepEqual(a, b)
}
