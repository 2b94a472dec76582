package index

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/trace"
)

func text(kind trace.Kind, s string) trace.Event {
	return trace.Event{Kind: kind, Preview: s, SearchText: trace.SearchKey(s)}
}

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := activityPolicy{runningTTL: 20 * time.Second, waitingTTL: 5 * time.Minute, pendingTTL: 5 * time.Minute}

	question := scanSignals([]trace.Event{
		text(trace.KindUser, "fix the bug"),
		text(trace.KindAssistant, "Should I proceed?"),
	})
	pending := scanSignals([]trace.Event{
		text(trace.KindUser, "run tests"),
		{Kind: trace.KindToolUse, ToolName: "Bash", ToolCallID: "t1"},
	})
	quiet := scanSignals([]trace.Event{
		text(trace.KindUser, "hi"),
		text(trace.KindAssistant, "Done."),
	})

	tests := []struct {
		name       string
		sig        signals
		last       time.Time
		policy     activityPolicy
		wantStatus trace.Status
		wantReason trace.Reason
	}{
		{"question asked recently", question, now.Add(-time.Second), policy, trace.WaitingInput, trace.ReasonExplicitWait},
		{"open tool call", pending, now, policy, trace.Running, trace.ReasonPendingToolUse},
		{"question gone stale", question, now.Add(-120 * time.Second), activityPolicy{runningTTL: time.Second, waitingTTL: 5 * time.Second, pendingTTL: 5 * time.Second}, trace.Idle, trace.ReasonStaleTimeout},
		{"open tool call gone stale", pending, now.Add(-time.Hour), policy, trace.Idle, trace.ReasonStaleTimeout},
		{"recent activity", quiet, now.Add(-5 * time.Second), policy, trace.Running, trace.ReasonRecentActivity},
		{"cooling down", quiet, now.Add(-time.Minute), policy, trace.WaitingInput, trace.ReasonRecentCooling},
		{"no recent activity", quiet, now.Add(-time.Hour), policy, trace.Idle, trace.ReasonNoActiveSignal},
		{"never active", quiet, time.Time{}, policy, trace.Idle, trace.ReasonNoActiveSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reason := classify(tt.sig, tt.last, now, tt.policy)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestWaitMarker(t *testing.T) {
	tests := []struct {
		name   string
		events []trace.Event
		want   bool
	}{
		{"trailing question", []trace.Event{text(trace.KindAssistant, "Which file?")}, true},
		{"wait phrase", []trace.Event{text(trace.KindAssistant, "Let me know if you want the tests too.")}, true},
		{"statement", []trace.Event{text(trace.KindAssistant, "All tests pass.")}, false},
		{"answered by user", []trace.Event{
			text(trace.KindAssistant, "Should I proceed?"),
			text(trace.KindUser, "yes"),
		}, false},
		{"resolved by tool traffic", []trace.Event{
			text(trace.KindAssistant, "Shall I run it?"),
			{Kind: trace.KindToolUse, ToolCallID: "x"},
		}, false},
		{"meta skipped", []trace.Event{
			text(trace.KindAssistant, "Should I proceed?"),
			text(trace.KindMeta, "file-history-snapshot"),
			text(trace.KindReasoning, "hmm"),
		}, true},
		{"structured status", []trace.Event{
			text(trace.KindUser, "go"),
			{Kind: trace.KindMeta, Raw: json.RawMessage(`{"type":"event_msg","payload":{"status":"awaiting-approval"}}`)},
		}, true},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, waitMarker(tt.events))
		})
	}
}

func TestPendingToolBasis(t *testing.T) {
	cfg := config.ActivityConfig{RunningTTL: 20 * time.Second, WaitingTTL: 10 * time.Minute}

	cfg.PendingToolTTL = config.TTLBasisRunning
	running := newActivityPolicy(cfg)
	assert.Equal(t, 20*time.Second, running.pendingTTL)

	cfg.PendingToolTTL = config.TTLBasisWaiting
	waiting := newActivityPolicy(cfg)
	assert.Equal(t, 10*time.Minute, waiting.pendingTTL)
}
