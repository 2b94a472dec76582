package trace

import (
	"maps"
	"slices"
	"time"
)

// BinCount is the number of activity buckets carried by every summary.
const BinCount = 12

// DiscoveredFile is a candidate trace file found under a configured root.
type DiscoveredFile struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Profile   string    `json:"profile"`
	AgentHint string    `json:"agentHint,omitempty"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"modTime"`
	Dev       uint64    `json:"-"`
	Ino       uint64    `json:"-"`
}

// Metrics are token and cost totals derived from a trace's events.
type Metrics struct {
	Model            string  `json:"model,omitempty"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens"`
	CacheWriteTokens int64   `json:"cacheWriteTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	CostEstimateUSD  float64 `json:"costEstimateUsd"`
}

// Summary is the queryable state of one trace. It is always recomputed from
// the complete event list, never patched.
type Summary struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Profile   string    `json:"profile"`
	Agent     string    `json:"agent"`
	Parser    string    `json:"parser"`
	SessionID string    `json:"sessionId,omitempty"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"modTime"`

	EventCount        int          `json:"eventCount"`
	KindCounts        map[Kind]int `json:"kindCounts,omitempty"`
	ToolUses          int          `json:"toolUses"`
	ToolResults       int          `json:"toolResults"`
	MatchedToolCalls  int          `json:"matchedToolCalls"`
	UnmatchedToolUses int          `json:"unmatchedToolUses"`

	FirstEventAt time.Time `json:"firstEventAt,omitzero"`
	LastEventAt  time.Time `json:"lastEventAt,omitzero"`
	// UpdatedAt is the last activity time: the later of the newest event
	// timestamp and the file mtime.
	UpdatedAt time.Time `json:"updatedAt"`

	Status       Status `json:"status"`
	StatusReason Reason `json:"statusReason"`

	ActivityBins     []float64 `json:"activityBins"`
	BinWindowMinutes float64   `json:"binWindowMinutes"`
	BinWidthMinutes  float64   `json:"binWidthMinutes"`

	Tier           Tier `json:"tier"`
	ResidentEvents int  `json:"residentEvents"`
	Materialized   bool `json:"materialized"`

	ParseError string  `json:"parseError,omitempty"`
	Metrics    Metrics `json:"metrics"`
}

// Clone returns a deep copy of the summary so the copy can be handed to
// readers while the original keeps changing.
func (s Summary) Clone() Summary {
	s.KindCounts = maps.Clone(s.KindCounts)
	s.ActivityBins = slices.Clone(s.ActivityBins)
	return s
}

// ToolStats counts tool calls and pairs tool_use ids against the set of
// tool_result ids, wherever they appear in the trace. Tool uses without an
// id are counted but never reported as unmatched.
func ToolStats(events []Event) (uses, results, matched, unmatched int) {
	resolved := make(map[string]bool)
	for _, ev := range events {
		if ev.Kind != KindToolResult {
			continue
		}
		results++
		if ev.ToolCallID != "" {
			resolved[ev.ToolCallID] = true
		}
	}
	for _, ev := range events {
		if ev.Kind != KindToolUse {
			continue
		}
		uses++
		switch {
		case ev.ToolCallID == "":
		case resolved[ev.ToolCallID]:
			matched++
		default:
			unmatched++
		}
	}
	return uses, results, matched, unmatched
}
