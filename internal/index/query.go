package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/agent-racer/tracewatch/internal/stream"
	"github.com/agent-racer/tracewatch/internal/trace"
)

// ErrUnknownTrace is returned for ids that match no indexed trace.
var ErrUnknownTrace = errors.New("unknown trace")

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000

	// minPrefixLen is the shortest id prefix ResolveID accepts.
	minPrefixLen = 4
)

// view is the immutable reader-side state of one trace.
type view struct {
	summary trace.Summary
	events  []trace.Event
}

// snapshot is an immutable copy of the index published after each commit.
type snapshot struct {
	version  uint64
	order    []*view
	byID     map[string]*view
	overview stream.Overview
}

func buildSnapshot(ranked []*entry, ov stream.Overview, version uint64) *snapshot {
	s := &snapshot{
		version:  version,
		order:    make([]*view, 0, len(ranked)),
		byID:     make(map[string]*view, len(ranked)),
		overview: ov,
	}
	for _, e := range ranked {
		v := &view{summary: e.summary, events: e.resident}
		s.order = append(s.order, v)
		s.byID[e.file.ID] = v
	}
	return s
}

func (ix *Index) current() *snapshot {
	if s := ix.snap.Load(); s != nil {
		return s
	}
	return &snapshot{byID: map[string]*view{}}
}

// Snapshot is a consistent copy of every summary plus the overview.
// Version is the version of the last envelope reflected in it.
type Snapshot struct {
	Version  uint64          `json:"version"`
	Traces   []trace.Summary `json:"traces"`
	Overview stream.Overview `json:"overview"`
}

// Summaries returns every trace, most recently active first.
func (ix *Index) Summaries() []trace.Summary {
	return ix.current().summaries()
}

func (s *snapshot) summaries() []trace.Summary {
	out := make([]trace.Summary, 0, len(s.order))
	for _, v := range s.order {
		out = append(out, v.summary.Clone())
	}
	return out
}

// Snapshot returns the current summaries and overview together.
func (ix *Index) Snapshot() Snapshot {
	s := ix.current()
	return Snapshot{
		Version:  s.version,
		Traces:   s.summaries(),
		Overview: s.overview,
	}
}

// ResolveID maps a trace id, a session id or an unambiguous id prefix to a
// trace id. Session ids resolve to the most recently active match.
func (ix *Index) ResolveID(candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	s := ix.current()
	if _, ok := s.byID[candidate]; ok {
		return candidate, nil
	}
	if candidate == "" {
		return "", fmt.Errorf("%w: empty id", ErrUnknownTrace)
	}
	for _, v := range s.order {
		if v.summary.SessionID == candidate {
			return v.summary.ID, nil
		}
	}
	if len(candidate) >= minPrefixLen {
		var match string
		for _, v := range s.order {
			if !strings.HasPrefix(v.summary.ID, candidate) {
				continue
			}
			if match != "" {
				return "", fmt.Errorf("%w: %s is ambiguous", ErrUnknownTrace, candidate)
			}
			match = v.summary.ID
		}
		if match != "" {
			return match, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTrace, candidate)
}

// Detail is one trace with its complete event history.
type Detail struct {
	Summary trace.Summary `json:"summary"`
	Events  []trace.Event `json:"events"`
}

// Detail returns the full history of id, re-reading evicted traces from
// disk and pinning them resident.
func (ix *Index) Detail(ctx context.Context, id string) (Detail, error) {
	id, err := ix.ResolveID(id)
	if err != nil {
		return Detail{}, err
	}
	v, ok := ix.current().byID[id]
	if !ok {
		return Detail{}, fmt.Errorf("%w: %s", ErrUnknownTrace, id)
	}
	if len(v.events) < v.summary.EventCount {
		if v, err = ix.materialize(ctx, id); err != nil {
			return Detail{}, err
		}
	}
	events := v.events
	if events == nil {
		events = []trace.Event{}
	}
	return Detail{Summary: v.summary.Clone(), Events: events}, nil
}

// PageQuery selects a window of events ending before an index.
type PageQuery struct {
	// Limit is the page size; zero means DefaultPageLimit.
	Limit int
	// Before is an exclusive upper bound on Event.Index; zero means the end.
	Before int
	// IncludeMeta keeps meta events, which are filtered out by default.
	IncludeMeta bool
}

func (q PageQuery) normalized() PageQuery {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultPageLimit
	case q.Limit > MaxPageLimit:
		q.Limit = MaxPageLimit
	}
	q.Before = max(q.Before, 0)
	return q
}

// Page is a window of events in ascending index order. When HasMore is set
// NextBefore continues the walk toward older events.
type Page struct {
	TraceID    string        `json:"traceId"`
	Total      int           `json:"total"`
	Events     []trace.Event `json:"events"`
	HasMore    bool          `json:"hasMore"`
	NextBefore int           `json:"nextBefore,omitempty"`
}

// Page returns up to q.Limit events of id older than q.Before. Pages that
// reach past the resident tail materialize the trace.
func (ix *Index) Page(ctx context.Context, id string, q PageQuery) (Page, error) {
	id, err := ix.ResolveID(id)
	if err != nil {
		return Page{}, err
	}
	q = q.normalized()

	v, ok := ix.current().byID[id]
	if !ok {
		return Page{}, fmt.Errorf("%w: %s", ErrUnknownTrace, id)
	}
	p, complete := pageOf(v, q)
	if complete {
		return p, nil
	}
	if v, err = ix.materialize(ctx, id); err != nil {
		return Page{}, err
	}
	p, _ = pageOf(v, q)
	return p, nil
}

// pageOf cuts a page from the resident events. complete is false when the
// answer depends on events that are not resident. Evicted events are always
// older than resident ones, so the summary's kind counts tell whether any
// of them would match.
func pageOf(v *view, q PageQuery) (Page, bool) {
	events := v.events
	hi := len(events)
	if q.Before > 0 {
		hi = sort.Search(len(events), func(i int) bool { return events[i].Index >= q.Before })
	}
	keep := func(ev trace.Event) bool { return q.IncludeMeta || ev.Kind != trace.KindMeta }

	picked := make([]trace.Event, 0, min(q.Limit, hi))
	i := hi - 1
	for ; i >= 0 && len(picked) < q.Limit; i-- {
		if keep(events[i]) {
			picked = append(picked, events[i])
		}
	}
	hasMore := false
	for ; i >= 0; i-- {
		if keep(events[i]) {
			hasMore = true
			break
		}
	}
	slices.Reverse(picked)

	hidden := v.summary.EventCount - len(events)
	if !q.IncludeMeta {
		residentMeta := 0
		for _, ev := range events {
			if ev.Kind == trace.KindMeta {
				residentMeta++
			}
		}
		hidden -= v.summary.KindCounts[trace.KindMeta] - residentMeta
	}
	full := len(picked) == q.Limit
	if full && hidden > 0 {
		hasMore = true
	}

	p := Page{
		TraceID: v.summary.ID,
		Total:   v.summary.EventCount,
		Events:  picked,
		HasMore: hasMore,
	}
	if hasMore && len(picked) > 0 {
		p.NextBefore = picked[0].Index
	}
	return p, hidden <= 0 || full
}

// Diagnostics describes the refresh machinery for status endpoints.
type Diagnostics struct {
	Version           uint64           `json:"version"`
	Traces            int              `json:"traces"`
	Watching          bool             `json:"watching"`
	Refreshing        bool             `json:"refreshing"`
	DirtyPending      int              `json:"dirtyPending"`
	LastCycleAt       time.Time        `json:"lastCycleAt,omitzero"`
	LastCycleDuration time.Duration    `json:"lastCycleDurationNs"`
	Cycles            map[string]int64 `json:"cycles"`
	FullParses        int64            `json:"fullParses"`
	IncrementalParses int64            `json:"incrementalParses"`
	Fallbacks         int64            `json:"incrementalFallbacks"`
	Sources           []SourceHealth   `json:"sources"`
}

func (ix *Index) Diagnostics() Diagnostics {
	s := ix.current()
	d := Diagnostics{
		Version:           s.version,
		Traces:            len(s.order),
		Watching:          ix.watching.Load(),
		Refreshing:        ix.gate.busy(),
		FullParses:        ix.ins.fullParses.Load(),
		IncrementalParses: ix.ins.incrementalParses.Load(),
		Fallbacks:         ix.ins.fallbackCount.Load(),
		Sources:           ix.health.snapshot(),
	}

	ix.dirtyMu.Lock()
	d.DirtyPending = len(ix.dirty)
	ix.dirtyMu.Unlock()

	ix.statsMu.Lock()
	d.LastCycleAt = ix.lastCycle
	d.LastCycleDuration = ix.cycleDur
	d.Cycles = make(map[string]int64, len(ix.cycles))
	for k, n := range ix.cycles {
		d.Cycles[k] = n
	}
	ix.statsMu.Unlock()
	return d
}
