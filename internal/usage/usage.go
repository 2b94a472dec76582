package usage

import (
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/trace"
)

// PriceFunc looks up per-million-token pricing for a model.
type PriceFunc func(model string) (config.Pricing, bool)

// Derive totals token usage across events and estimates cost. It is best
// effort: records without usage data contribute nothing and it never fails.
func Derive(events []trace.Event, agent, model string, prices PriceFunc) trace.Metrics {
	m := trace.Metrics{Model: model}

	switch agent {
	case "codex":
		codexUsage(events, &m)
	case "gemini":
		geminiUsage(events, &m)
	default:
		messageUsage(events, &m)
	}

	m.TotalTokens = m.InputTokens + m.OutputTokens + m.CacheReadTokens + m.CacheWriteTokens
	if prices != nil && m.Model != "" {
		if p, ok := prices(m.Model); ok {
			m.CostEstimateUSD = Cost(m, p)
		}
	}
	return m
}

// Cost prices m at p, rounded down to micro-dollars.
func Cost(m trace.Metrics, p config.Pricing) float64 {
	total := float64(m.InputTokens)/1_000_000*p.Input +
		float64(m.OutputTokens)/1_000_000*p.Output +
		float64(m.CacheReadTokens)/1_000_000*p.CacheRead +
		float64(m.CacheWriteTokens)/1_000_000*p.CacheWrite
	return float64(int64(total*1_000_000)) / 1_000_000
}

// messageUsage reads Claude-style message.usage blocks. Streaming writes the
// same message id several times with growing usage, so the last record per
// message id wins; records without an id are keyed by offset.
func messageUsage(events []trace.Event, m *trace.Metrics) {
	type tokens struct{ in, out, cacheRead, cacheWrite int64 }
	latest := make(map[string]tokens)
	var order []string

	lastOffset := int64(-1)
	for _, ev := range events {
		if ev.Offset == lastOffset || len(ev.Raw) == 0 {
			continue
		}
		lastOffset = ev.Offset

		rec := gjson.ParseBytes(ev.Raw)
		u := rec.Get("message.usage")
		if !u.Exists() {
			u = rec.Get("usage")
		}
		if !u.Exists() {
			continue
		}
		if model := rec.Get("message.model").String(); model != "" && model != "<synthetic>" {
			m.Model = model
		}
		key := rec.Get("message.id").String()
		if key == "" {
			key = "@" + strconv.FormatInt(ev.Offset, 10)
		}
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = tokens{
			in:         u.Get("input_tokens").Int(),
			out:        u.Get("output_tokens").Int(),
			cacheRead:  u.Get("cache_read_input_tokens").Int(),
			cacheWrite: u.Get("cache_creation_input_tokens").Int(),
		}
	}
	for _, key := range order {
		t := latest[key]
		m.InputTokens += t.in
		m.OutputTokens += t.out
		m.CacheReadTokens += t.cacheRead
		m.CacheWriteTokens += t.cacheWrite
	}
}

// codexUsage takes the last cumulative total_token_usage reported by a
// token_count event.
func codexUsage(events []trace.Event, m *trace.Metrics) {
	for i := len(events) - 1; i >= 0; i-- {
		if len(events[i].Raw) == 0 {
			continue
		}
		total := gjson.GetBytes(events[i].Raw, "payload.info.total_token_usage")
		if !total.Exists() {
			continue
		}
		cached := total.Get("cached_input_tokens").Int()
		m.InputTokens = total.Get("input_tokens").Int() - cached
		m.CacheReadTokens = cached
		m.OutputTokens = total.Get("output_tokens").Int()
		return
	}
}

// geminiUsage sums per-message token blocks, accepting both the chat file
// "tokens" object and the API's usageMetadata.
func geminiUsage(events []trace.Event, m *trace.Metrics) {
	seen := make(map[int64]bool)
	for _, ev := range events {
		if seen[ev.Offset] || len(ev.Raw) == 0 {
			continue
		}
		seen[ev.Offset] = true
		rec := gjson.ParseBytes(ev.Raw)
		if model := rec.Get("model").String(); model != "" {
			m.Model = model
		}
		if t := rec.Get("tokens"); t.Exists() {
			cached := t.Get("cached").Int()
			m.InputTokens += t.Get("input").Int() - cached
			m.CacheReadTokens += cached
			m.OutputTokens += t.Get("output").Int() + t.Get("thoughts").Int()
			continue
		}
		if u := rec.Get("usageMetadata"); u.Exists() {
			m.InputTokens += u.Get("promptTokenCount").Int()
			m.OutputTokens += u.Get("candidatesTokenCount").Int()
		}
	}
}
