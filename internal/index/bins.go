package index

import (
	"time"

	"github.com/agent-racer/tracewatch/internal/trace"
)

// activityBins buckets events into trace.BinCount normalized bins.
//
// With two or more timestamped events spanning a positive interval, bins
// divide that interval evenly and window/width report it in minutes. When
// every timestamp is the same instant the events are bucketed by position
// instead. Fewer than two timestamped events yield all zeros.
func activityBins(events []trace.Event) (bins []float64, windowMinutes, widthMinutes float64) {
	bins = make([]float64, trace.BinCount)

	var first, last time.Time
	stamped := 0
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			continue
		}
		stamped++
		if first.IsZero() || ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	if stamped < 2 {
		return bins, 0, 0
	}

	span := last.Sub(first)
	if span > 0 {
		for _, ev := range events {
			if ev.Timestamp.IsZero() {
				continue
			}
			i := int(float64(ev.Timestamp.Sub(first)) / float64(span) * trace.BinCount)
			bins[min(i, trace.BinCount-1)]++
		}
		windowMinutes = span.Minutes()
		widthMinutes = windowMinutes / trace.BinCount
	} else {
		n := 0
		for _, ev := range events {
			if ev.Timestamp.IsZero() {
				continue
			}
			bins[n*trace.BinCount/stamped]++
			n++
		}
	}

	peak := 0.0
	for _, v := range bins {
		peak = max(peak, v)
	}
	for i := range bins {
		bins[i] /= peak
	}
	return bins, windowMinutes, widthMinutes
}
