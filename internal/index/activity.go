package index

import (
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/trace"
)

// signals are the event-derived inputs to classify. They only change when
// a trace's events change, so they are computed once per parse and the
// cheap time-based part of classification runs every cycle.
type signals struct {
	waitMarker   bool
	pendingTools int
}

// activityPolicy holds the freshness windows used by classify.
type activityPolicy struct {
	runningTTL time.Duration
	waitingTTL time.Duration
	pendingTTL time.Duration
}

func newActivityPolicy(cfg config.ActivityConfig) activityPolicy {
	p := activityPolicy{
		runningTTL: cfg.RunningTTL,
		waitingTTL: cfg.WaitingTTL,
		pendingTTL: cfg.WaitingTTL,
	}
	if cfg.PendingToolTTL == config.TTLBasisRunning {
		p.pendingTTL = cfg.RunningTTL
	}
	return p
}

// statusPaths are checked on a record for a structured status field.
var statusPaths = []string{
	"status", "state", "phase",
	"payload.status", "payload.state", "payload.phase",
	"message.status",
}

var waitingStates = map[string]bool{
	"waiting":               true,
	"waiting_input":         true,
	"waiting_for_input":     true,
	"waiting_for_user":      true,
	"awaiting_input":        true,
	"awaiting_user":         true,
	"awaiting_approval":     true,
	"needs_input":           true,
	"input_required":        true,
	"requires_action":       true,
	"pending_approval":      true,
	"approval_required":     true,
	"user_input_required":   true,
	"awaiting_confirmation": true,
}

var stateSeparators = strings.NewReplacer("-", "_", " ", "_")

var waitPhrases = regexp.MustCompile(`\b(should i|shall i|would you like|do you want( me)? to|let me know|please (confirm|advise|choose|review)|waiting for (your )?(input|confirmation|approval|response|reply)|awaiting (your )?(input|confirmation|approval|response)|can you (confirm|clarify)|which (option|approach) (would|do) you)\b`)

// scanSignals derives the wait marker and the count of unmatched tool uses.
func scanSignals(events []trace.Event) signals {
	_, _, _, unmatched := trace.ToolStats(events)
	return signals{
		waitMarker:   waitMarker(events),
		pendingTools: unmatched,
	}
}

// waitMarker scans backward from the newest event. User input and tool
// traffic resolve any earlier question; meta and reasoning records are
// skipped unless they carry a structured waiting status.
func waitMarker(events []trace.Event) bool {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		switch ev.Kind {
		case trace.KindUser, trace.KindToolUse, trace.KindToolResult:
			return false
		case trace.KindMeta, trace.KindReasoning:
			if structuredWaiting(ev.Raw) {
				return true
			}
		default:
			return structuredWaiting(ev.Raw) || asksForInput(ev)
		}
	}
	return false
}

func structuredWaiting(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	for _, r := range gjson.GetManyBytes(raw, statusPaths...) {
		if r.Type != gjson.String {
			continue
		}
		state := stateSeparators.Replace(strings.ToLower(strings.TrimSpace(r.Str)))
		if waitingStates[state] {
			return true
		}
	}
	return false
}

func asksForInput(ev trace.Event) bool {
	text := ev.SearchText
	if text == "" {
		text = strings.ToLower(ev.Preview)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if strings.HasSuffix(text, "?") {
		return true
	}
	return waitPhrases.MatchString(text)
}

// classify applies the status rules in order. Explicit waits and pending
// tool calls are trusted only while fresh; past their window the trace is
// idle with stale_timeout.
func classify(sig signals, lastActivity, now time.Time, p activityPolicy) (trace.Status, trace.Reason) {
	fresh := func(ttl time.Duration) bool {
		return !lastActivity.IsZero() && now.Sub(lastActivity) <= ttl
	}

	switch {
	case sig.waitMarker:
		if fresh(p.waitingTTL) {
			return trace.WaitingInput, trace.ReasonExplicitWait
		}
		return trace.Idle, trace.ReasonStaleTimeout
	case sig.pendingTools > 0:
		if fresh(p.pendingTTL) {
			return trace.Running, trace.ReasonPendingToolUse
		}
		return trace.Idle, trace.ReasonStaleTimeout
	case fresh(p.runningTTL):
		return trace.Running, trace.ReasonRecentActivity
	case fresh(p.waitingTTL):
		return trace.WaitingInput, trace.ReasonRecentCooling
	default:
		return trace.Idle, trace.ReasonNoActiveSignal
	}
}
