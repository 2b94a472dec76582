package index

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments are the index's OpenTelemetry instruments. With no meter
// provider installed they record into the global no-op provider.
type instruments struct {
	cycles      metric.Int64Counter
	cycleTime   metric.Float64Histogram
	parses      metric.Int64Counter
	fallbacks   metric.Int64Counter
	envelopes   metric.Int64Counter
	tracesGauge metric.Int64ObservableGauge

	// Mirrors of the counters for Diagnostics.
	fullParses        atomic.Int64
	incrementalParses atomic.Int64
	fallbackCount     atomic.Int64
}

func newInstruments(meter metric.Meter, traces func() int64) (*instruments, error) {
	ins := &instruments{}
	var err error

	ins.cycles, err = meter.Int64Counter(
		"tracewatch_index_cycles_total",
		metric.WithDescription("Refresh cycles run, by mode"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cycles counter: %w", err)
	}

	ins.cycleTime, err = meter.Float64Histogram(
		"tracewatch_index_cycle_duration_seconds",
		metric.WithDescription("Refresh cycle duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cycle histogram: %w", err)
	}

	ins.parses, err = meter.Int64Counter(
		"tracewatch_index_parses_total",
		metric.WithDescription("Trace parses, by mode"),
		metric.WithUnit("{parse}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating parses counter: %w", err)
	}

	ins.fallbacks, err = meter.Int64Counter(
		"tracewatch_index_incremental_fallbacks_total",
		metric.WithDescription("Incremental parses that fell back to a full reparse, by reason"),
		metric.WithUnit("{parse}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fallbacks counter: %w", err)
	}

	ins.envelopes, err = meter.Int64Counter(
		"tracewatch_stream_envelopes_total",
		metric.WithDescription("Change envelopes published, by type"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating envelopes counter: %w", err)
	}

	ins.tracesGauge, err = meter.Int64ObservableGauge(
		"tracewatch_index_traces",
		metric.WithDescription("Traces currently indexed"),
		metric.WithUnit("{trace}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(traces())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating traces gauge: %w", err)
	}

	return ins, nil
}

func (ins *instruments) cycle(ctx context.Context, act action, d time.Duration) {
	opt := metric.WithAttributes(attribute.String("mode", act.String()))
	ins.cycles.Add(ctx, 1, opt)
	ins.cycleTime.Record(ctx, d.Seconds(), opt)
}

func (ins *instruments) parse(ctx context.Context, incremental bool) {
	mode := "full"
	if incremental {
		mode = "incremental"
		ins.incrementalParses.Add(1)
	} else {
		ins.fullParses.Add(1)
	}
	ins.parses.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (ins *instruments) fallback(ctx context.Context, reason string) {
	ins.fallbackCount.Add(1)
	ins.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (ins *instruments) envelope(ctx context.Context, typ string) {
	ins.envelopes.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}
