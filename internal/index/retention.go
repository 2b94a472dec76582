package index

import (
	"slices"
	"strings"
	"time"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/trace"
)

// retentionPolicy decides how many events each trace keeps in memory.
type retentionPolicy struct {
	full       bool
	hotTraces  int
	hotEvents  int
	warmTraces int
	warmEvents int
	pinTTL     time.Duration
}

func newRetentionPolicy(cfg config.RetentionConfig) retentionPolicy {
	return retentionPolicy{
		full:       cfg.Strategy == config.StrategyFull,
		hotTraces:  cfg.HotTraces,
		hotEvents:  cfg.HotEvents,
		warmTraces: cfg.WarmTraces,
		warmEvents: cfg.WarmEvents,
		pinTTL:     cfg.PinTTL,
	}
}

// rankEntries orders entries by recency: newest activity first, ties by
// path so the order is total.
func rankEntries(entries []*entry) {
	slices.SortFunc(entries, func(a, b *entry) int {
		if c := b.summary.UpdatedAt.Compare(a.summary.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.file.Path, b.file.Path)
	})
}

func (p retentionPolicy) tierFor(rank int) trace.Tier {
	switch {
	case p.full || rank < p.hotTraces:
		return trace.TierHot
	case rank < p.hotTraces+p.warmTraces:
		return trace.TierWarm
	default:
		return trace.TierCold
	}
}

// apply ranks entries and trims each one to its tier. Pinned entries keep
// their full history resident until the pin expires.
func (p retentionPolicy) apply(entries []*entry, now time.Time) {
	rankEntries(entries)
	for rank, e := range entries {
		p.retain(e, p.tierFor(rank), now)
	}
}

func (p retentionPolicy) retain(e *entry, tier trace.Tier, now time.Time) {
	pinned := e.full != nil && now.Before(e.pinnedUntil)

	switch {
	case p.full:
		if e.full != nil {
			e.resident = e.full
		}
	case pinned:
		e.resident = e.full
	case tier == trace.TierHot:
		if e.full != nil {
			e.resident = tail(e.full, p.hotEvents)
		}
	case tier == trace.TierWarm:
		if e.full != nil {
			// Copy so the dropped history can be collected.
			e.resident = slices.Clone(tail(e.full, p.warmEvents))
			e.full = nil
		} else {
			e.resident = tail(e.resident, p.warmEvents)
		}
	default:
		e.resident = nil
		e.full = nil
	}

	e.summary.Tier = tier
	e.summary.ResidentEvents = len(e.resident)
	e.summary.Materialized = e.full != nil
}

// capacity is how many events an entry of the given tier keeps resident.
func (p retentionPolicy) capacity(tier trace.Tier, eventCount int) int {
	limit := 0
	switch {
	case p.full:
		limit = eventCount
	case tier == trace.TierHot:
		limit = p.hotEvents
	case tier == trace.TierWarm:
		limit = p.warmEvents
	}
	return max(0, min(limit, eventCount))
}

// starved reports whether e ranks into a tier whose resident tail it can
// no longer fill from memory, as happens after a cold trace is promoted.
func (p retentionPolicy) starved(e *entry) bool {
	return e.full == nil && len(e.resident) < p.capacity(e.summary.Tier, e.summary.EventCount)
}

// tail returns the last n events of events, sharing its backing array.
func tail(events []trace.Event, n int) []trace.Event {
	if n <= 0 {
		return nil
	}
	if len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}
