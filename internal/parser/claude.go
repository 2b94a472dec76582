package parser

import (
	"encoding/json"
	"strings"

	"github.com/agent-racer/tracewatch/internal/trace"
)

const claudeName = "claude"

type claudeEntry struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	IsMeta    bool            `json:"isMeta"`
	Summary   string          `json:"summary"`
	Content   json.RawMessage `json:"content"`
	Message   json.RawMessage `json:"message"`
}

type claudeMessage struct {
	Model   string          `json:"model"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Claude parses Claude Code session JSONL (~/.claude/projects/<dir>/<id>.jsonl).
type Claude struct{}

func NewClaude() *Claude { return &Claude{} }

func (*Claude) Name() string      { return claudeName }
func (*Claude) Agent() string     { return "claude" }
func (*Claude) Incremental() bool { return true }

func (*Claude) Parse(data []byte) Result {
	return parseJSONL(data, parseClaudeLine)
}

func parseClaudeLine(b *builder, line []byte, offset int64) {
	var entry claudeEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		b.res.Malformed++
		return
	}
	b.session(entry.SessionID)

	raw := rawCopy(line)
	base := trace.Event{
		Offset:    offset,
		Timestamp: parseTime(entry.Timestamp),
		Raw:       raw,
	}

	switch entry.Type {
	case "user", "assistant":
		var msg claudeMessage
		if len(entry.Message) > 0 {
			_ = json.Unmarshal(entry.Message, &msg)
		}
		b.model(msg.Model)
		role := msg.Role
		if role == "" {
			role = entry.Type
		}
		if entry.IsMeta {
			text := claudeText(msg.Content)
			ev := base
			ev.Kind = trace.KindMeta
			ev.Role = role
			ev.Preview = trace.Preview(text)
			ev.SearchText = trace.SearchKey(text)
			b.add(ev)
			return
		}
		addClaudeContent(b, base, role, msg.Content)

	case "system":
		text := claudeText(entry.Content)
		ev := base
		ev.Kind = trace.KindSystem
		ev.Role = "system"
		ev.Preview = trace.Preview(text)
		ev.SearchText = trace.SearchKey(text)
		b.add(ev)

	case "summary":
		ev := base
		ev.Kind = trace.KindMeta
		ev.Preview = trace.Preview(entry.Summary)
		ev.SearchText = trace.SearchKey(entry.Summary)
		b.add(ev)

	default:
		// file-history-snapshot, progress, queue-operation and friends.
		ev := base
		ev.Kind = trace.KindMeta
		ev.Preview = entry.Type
		b.add(ev)
	}
}

// addClaudeContent expands a message's content into events, coalescing
// adjacent text blocks and emitting one event per tool block.
func addClaudeContent(b *builder, base trace.Event, role string, content json.RawMessage) {
	textKind := trace.KindAssistant
	if role == "user" {
		textKind = trace.KindUser
	}

	var s string
	if json.Unmarshal(content, &s) == nil {
		ev := base
		ev.Kind = textKind
		ev.Role = role
		ev.Preview = trace.Preview(s)
		ev.SearchText = trace.SearchKey(s)
		b.add(ev)
		return
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return
	}

	var text []string
	flush := func() {
		if len(text) == 0 {
			return
		}
		joined := strings.Join(text, "\n")
		ev := base
		ev.Kind = textKind
		ev.Role = role
		ev.Preview = trace.Preview(joined)
		ev.SearchText = trace.SearchKey(joined)
		b.add(ev)
		text = text[:0]
	}

	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			if strings.TrimSpace(blk.Text) != "" {
				text = append(text, blk.Text)
			}
		case "thinking", "redacted_thinking":
			flush()
			ev := base
			ev.Kind = trace.KindReasoning
			ev.Role = role
			ev.Preview = trace.Preview(blk.Thinking)
			ev.SearchText = trace.SearchKey(blk.Thinking)
			b.add(ev)
		case "tool_use", "server_tool_use":
			flush()
			args := compact(blk.Input)
			ev := base
			ev.Kind = trace.KindToolUse
			ev.Role = role
			ev.ToolName = blk.Name
			ev.ToolCallID = blk.ID
			ev.ToolArgs = args
			ev.Preview = trace.Preview(blk.Name + " " + args)
			ev.SearchText = trace.SearchKey(blk.Name, args)
			b.add(ev)
		case "tool_result":
			flush()
			out := claudeText(blk.Content)
			ev := base
			ev.Kind = trace.KindToolResult
			ev.Role = role
			ev.ToolCallID = blk.ToolUseID
			ev.ToolResult = out
			ev.Preview = trace.Preview(out)
			ev.SearchText = trace.SearchKey(out)
			b.add(ev)
		}
	}
	flush()
}

// claudeText flattens a content value that is either a string or a list of
// blocks into plain text.
func claudeText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(content, &s) == nil {
		return s
	}
	var blocks []claudeBlock
	if json.Unmarshal(content, &blocks) != nil {
		return ""
	}
	var parts []string
	for _, blk := range blocks {
		switch {
		case blk.Text != "":
			parts = append(parts, blk.Text)
		case blk.Thinking != "":
			parts = append(parts, blk.Thinking)
		}
	}
	return strings.Join(parts, "\n")
}
