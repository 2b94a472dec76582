package trace

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies a normalized event.
type Kind string

const (
	KindSystem     Kind = "system"
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindReasoning  Kind = "reasoning"
	KindMeta       Kind = "meta"
)

// PreviewLimit is the maximum number of runes kept in Event.Preview.
const PreviewLimit = 240

// Event is one normalized record parsed from a trace file. A single source
// record may expand into several events (e.g. an assistant message carrying
// text and two tool calls); they share Offset but never Index.
type Event struct {
	ID         string          `json:"eventId"`
	Index      int             `json:"index"`  // 1-based, strictly increasing per trace
	Offset     int64           `json:"offset"` // byte offset of the source record
	Timestamp  time.Time       `json:"timestamp,omitzero"`
	Kind       Kind            `json:"kind"`
	Role       string          `json:"role,omitempty"`
	Preview    string          `json:"preview,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolArgs   string          `json:"toolArgs,omitempty"`
	ToolResult string          `json:"toolResult,omitempty"`
	SearchText string          `json:"-"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// EventID derives the stable event identity from the owning trace, the
// event's ordinal and its byte offset.
func EventID(traceID string, index int, offset int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", traceID, index, offset)))
	return fmt.Sprintf("%x", h[:8])
}

// AssignIDs stamps every event with its EventID for traceID.
func AssignIDs(traceID string, events []Event) {
	for i := range events {
		events[i].ID = EventID(traceID, events[i].Index, events[i].Offset)
	}
}

// Preview collapses whitespace and truncates text to PreviewLimit runes.
func Preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= PreviewLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLimit-1]) + "…"
}

// SearchKey builds the lowercased free-text key for an event from its
// textual parts.
func SearchKey(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.ToLower(p))
	}
	return b.String()
}
