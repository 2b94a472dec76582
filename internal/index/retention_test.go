package index

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agent-racer/tracewatch/internal/trace"
)

func retentionEntry(path string, updated time.Time, n int) *entry {
	events := make([]trace.Event, n)
	for i := range events {
		events[i] = trace.Event{Index: i + 1}
	}
	e := &entry{file: trace.DiscoveredFile{ID: path, Path: path}, full: events, resident: events}
	e.summary.UpdatedAt = updated
	e.summary.EventCount = n
	return e
}

func TestRetentionTiers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := retentionPolicy{hotTraces: 2, hotEvents: 5, warmTraces: 1, warmEvents: 3, pinTTL: time.Minute}

	var entries []*entry
	for i := 0; i < 5; i++ {
		entries = append(entries, retentionEntry(fmt.Sprintf("/t/%d.jsonl", i), now.Add(-time.Duration(i)*time.Minute), 10))
	}
	// Shuffle so the policy has to rank them.
	entries[0], entries[4] = entries[4], entries[0]

	p.apply(entries, now)

	var tiers []trace.Tier
	var resident []int
	for _, e := range entries {
		tiers = append(tiers, e.summary.Tier)
		resident = append(resident, e.summary.ResidentEvents)
	}
	assert.Equal(t, []trace.Tier{trace.TierHot, trace.TierHot, trace.TierWarm, trace.TierCold, trace.TierCold}, tiers)
	assert.Equal(t, []int{5, 5, 3, 0, 0}, resident)

	assert.Equal(t, 6, entries[0].resident[0].Index)
	assert.True(t, entries[0].summary.Materialized)
	assert.False(t, entries[2].summary.Materialized)
	assert.Nil(t, entries[2].full)
	assert.Equal(t, []int{8, 9, 10}, []int{entries[2].resident[0].Index, entries[2].resident[1].Index, entries[2].resident[2].Index})
	assert.Nil(t, entries[4].full)
}

func TestRetentionRankTiesByPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*entry{
		retentionEntry("/b", now, 1),
		retentionEntry("/a", now, 1),
	}
	rankEntries(entries)
	assert.Equal(t, "/a", entries[0].file.Path)
}

func TestRetentionPinKeepsHistoryUntilExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := retentionPolicy{hotTraces: 0, warmTraces: 0, pinTTL: time.Minute}

	e := retentionEntry("/x", now, 4)
	e.pinnedUntil = now.Add(time.Minute)

	p.apply([]*entry{e}, now)
	assert.Equal(t, trace.TierCold, e.summary.Tier)
	assert.Equal(t, 4, e.summary.ResidentEvents)
	assert.True(t, e.summary.Materialized)

	p.apply([]*entry{e}, now.Add(2*time.Minute))
	assert.Zero(t, e.summary.ResidentEvents)
	assert.False(t, e.summary.Materialized)
}

func TestRetentionFullStrategyKeepsEverything(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := retentionPolicy{full: true, hotTraces: 1, hotEvents: 1}

	entries := []*entry{retentionEntry("/a", now, 7), retentionEntry("/b", now.Add(-time.Hour), 9)}
	p.apply(entries, now)
	for _, e := range entries {
		assert.Equal(t, trace.TierHot, e.summary.Tier)
		assert.Equal(t, e.summary.EventCount, e.summary.ResidentEvents)
	}
}

func TestRetentionStarvedAfterPromotion(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := retentionPolicy{hotTraces: 1, hotEvents: 3, warmTraces: 1, warmEvents: 2}

	newer := retentionEntry("/a", now, 5)
	older := retentionEntry("/b", now.Add(-time.Minute), 5)
	p.apply([]*entry{newer, older}, now)
	assert.False(t, p.starved(newer))
	assert.False(t, p.starved(older))

	// Dropping the newer trace moves the warm one into hot with only its
	// warm tail in memory.
	p.apply([]*entry{older}, now)
	assert.Equal(t, trace.TierHot, older.summary.Tier)
	assert.Equal(t, 2, older.summary.ResidentEvents)
	assert.True(t, p.starved(older))

	cold := retentionEntry("/c", now, 1)
	cold.full, cold.resident = nil, nil
	cold.summary.Tier = trace.TierWarm
	assert.True(t, p.starved(cold))
	cold.summary.EventCount = 0
	assert.False(t, p.starved(cold), "empty traces have nothing to reload")
}
