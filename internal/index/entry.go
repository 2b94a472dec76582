package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/agent-racer/tracewatch/internal/parser"
	"github.com/agent-racer/tracewatch/internal/trace"
	"github.com/agent-racer/tracewatch/internal/usage"
)

// entry is the mutable per-trace state owned by the refresh cycle. It is
// only touched with Index.mu held; readers see immutable views built from
// it.
type entry struct {
	file      trace.DiscoveredFile
	parser    string
	agent     string
	sessionID string
	model     string

	// full is the complete event list, or nil when retention evicted it.
	full []trace.Event
	// resident is what readers can see without re-reading the file.
	resident []trace.Event

	cursor      cursor
	malformed   int
	readErr     string
	signals     signals
	pinnedUntil time.Time

	summary trace.Summary
}

// parseFull reads the whole file and replaces every derived field.
func (ix *Index) parseFull(ctx context.Context, e *entry, file trace.DiscoveredFile) {
	ix.adopt(ctx, e, file, ix.reg.ParseFile(file))
}

// rehydrate rebuilds the evicted history of e from the bytes the index has
// already accounted for. Anything written past e.file.Size is left for the
// next cycle, which then reports it as appended events.
func (ix *Index) rehydrate(ctx context.Context, e *entry) {
	p, ok := ix.reg.Lookup(e.parser)
	if !ok || !p.Incremental() || e.readErr != "" {
		ix.parseFull(ctx, e, e.file)
		return
	}
	data, err := readPrefix(e.file.Path, e.file.Size)
	if err != nil {
		ix.log.Debug("rehydrate", zap.String("trace", e.file.ID), zap.Error(err))
		ix.parseFull(ctx, e, e.file)
		return
	}
	res := ix.reg.ParseText(e.file, data, e.parser)
	trace.AssignIDs(e.file.ID, res.Events)
	ix.adopt(ctx, e, e.file, res)
}

// readPrefix reads exactly the first n bytes of path.
func readPrefix(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return buf, nil
}

// adopt replaces every derived field of e with the outcome of a parse that
// started at byte 0.
func (ix *Index) adopt(ctx context.Context, e *entry, file trace.DiscoveredFile, res parser.Result) {
	ix.redactor.Events(res.Events)
	ix.ins.parse(ctx, false)

	e.file = file
	e.parser = res.Parser
	e.agent = res.Agent
	e.sessionID = res.SessionID
	if e.sessionID == "" {
		e.sessionID = parser.SessionIDFromPath(file.Path)
	}
	e.model = res.Model
	e.full = res.Events
	if e.full == nil {
		e.full = []trace.Event{}
	}
	e.resident = e.full
	e.cursor = cursor{readOffset: res.Consumed}
	e.malformed = res.Malformed
	e.readErr = res.ParseError

	ix.summarize(e)
	ix.recordParseHealth(e)
}

// refreshEntry brings an existing entry up to date with file, appending
// incrementally when possible. It returns the newly appended events, or
// nil when the entry was reparsed.
func (ix *Index) refreshEntry(ctx context.Context, e *entry, file trace.DiscoveredFile) []trace.Event {
	g, err := ix.tryIncremental(e, file)
	if err != nil {
		var fb *errFallback
		reason := "read error"
		if errors.As(err, &fb) {
			reason = fb.reason
		}
		ix.ins.fallback(ctx, reason)
		ix.log.Debug("full reparse",
			zap.String("trace", e.file.ID),
			zap.String("path", file.Path),
			zap.String("reason", reason),
			zap.Error(err),
		)
		ix.parseFull(ctx, e, file)
		return nil
	}

	ix.redactor.Events(g.events)
	ix.ins.parse(ctx, true)

	e.file = file
	e.full = append(e.full, g.events...)
	e.cursor = g.cursor
	e.malformed += g.result.Malformed
	if e.sessionID == "" && g.result.SessionID != "" {
		e.sessionID = g.result.SessionID
	}
	if g.result.Model != "" {
		e.model = g.result.Model
	}
	ix.summarize(e)
	return g.events
}

func (ix *Index) tryIncremental(e *entry, file trace.DiscoveredFile) (growth, error) {
	p, ok := ix.reg.Lookup(e.parser)
	switch {
	case !ok || !p.Incremental():
		return growth{}, fallback("parser is not incremental")
	case e.full == nil:
		return growth{}, fallback("events evicted")
	case e.readErr != "":
		return growth{}, fallback("previous read failed")
	case file.Size < e.file.Size:
		return growth{}, fallback("file shrank")
	case file.Size == e.file.Size:
		return growth{}, fallback("rewritten in place")
	}
	return readGrowth(ix.reg, file, e.parser, e.cursor, len(e.full), ix.cfg.Index.MaxPendingBytes)
}

// summarize recomputes every event-derived summary field from e.full. The
// status and retention fields are filled in later in the cycle.
func (ix *Index) summarize(e *entry) {
	events := e.full
	prev := e.summary

	s := trace.Summary{
		ID:         e.file.ID,
		Path:       e.file.Path,
		Profile:    e.file.Profile,
		Agent:      e.agent,
		Parser:     e.parser,
		SessionID:  e.sessionID,
		Size:       e.file.Size,
		ModTime:    e.file.ModTime,
		EventCount: len(events),
		KindCounts: make(map[trace.Kind]int),

		Status:         prev.Status,
		StatusReason:   prev.StatusReason,
		Tier:           prev.Tier,
		ResidentEvents: len(e.resident),
		Materialized:   e.full != nil,
	}
	s.ToolUses, s.ToolResults, s.MatchedToolCalls, s.UnmatchedToolUses = trace.ToolStats(events)

	for _, ev := range events {
		s.KindCounts[ev.Kind]++
		if ev.Timestamp.IsZero() {
			continue
		}
		if s.FirstEventAt.IsZero() || ev.Timestamp.Before(s.FirstEventAt) {
			s.FirstEventAt = ev.Timestamp
		}
		if ev.Timestamp.After(s.LastEventAt) {
			s.LastEventAt = ev.Timestamp
		}
	}
	s.UpdatedAt = s.ModTime
	if s.LastEventAt.After(s.UpdatedAt) {
		s.UpdatedAt = s.LastEventAt
	}

	s.ActivityBins, s.BinWindowMinutes, s.BinWidthMinutes = activityBins(events)
	s.Metrics = usage.Derive(events, e.agent, e.model, ix.cfg.PricingFor)

	switch {
	case e.readErr != "":
		s.ParseError = e.readErr
	case len(events) == 0 && e.malformed > 0:
		s.ParseError = fmt.Sprintf("no decodable records (%d malformed)", e.malformed)
	}

	e.signals = scanSignals(events)
	e.summary = s
}

func (ix *Index) recordParseHealth(e *entry) {
	h := ix.health.source(e.file.Profile)
	if e.summary.ParseError != "" {
		h.recordParseFailure(e.file.ID, e.summary.ParseError, ix.clk.Now())
		return
	}
	h.recordParseSuccess(e.file.ID)
}
