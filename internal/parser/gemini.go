package parser

import (
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/agent-racer/tracewatch/internal/trace"
)

const geminiName = "gemini"

// Gemini parses Gemini CLI chat files (~/.gemini/tmp/<hash>/chats/
// session-*.json). The CLI rewrites the whole document on every turn, so
// the format is never tailed.
type Gemini struct{}

func NewGemini() *Gemini { return &Gemini{} }

func (*Gemini) Name() string      { return geminiName }
func (*Gemini) Agent() string     { return "gemini" }
func (*Gemini) Incremental() bool { return false }

func (*Gemini) Parse(data []byte) Result {
	b := &builder{}
	b.res.Consumed = int64(len(data))

	if !gjson.ValidBytes(data) {
		b.res.ParseError = "invalid JSON document"
		return b.res
	}

	doc := gjson.ParseBytes(data)
	messages := doc
	if !doc.IsArray() {
		b.session(firstString(doc, "sessionId", "session_id", "id"))
		for _, key := range []string{"messages", "conversation", "history"} {
			if m := doc.Get(key); m.IsArray() {
				messages = m
				break
			}
		}
	}
	if !messages.IsArray() {
		b.res.ParseError = "no message array"
		return b.res
	}

	for _, msg := range messages.Array() {
		geminiMessage(b, msg)
	}
	return b.res
}

func geminiMessage(b *builder, msg gjson.Result) {
	base := trace.Event{
		Offset:    int64(msg.Index),
		Timestamp: parseTime(msg.Get("timestamp").String()),
		Raw:       []byte(msg.Raw),
	}
	b.model(msg.Get("model").String())

	role := firstString(msg, "role", "type")
	kind := trace.KindSystem
	switch role {
	case "user":
		kind = trace.KindUser
	case "model", "gemini", "assistant":
		kind = trace.KindAssistant
	}

	for _, th := range msg.Get("thoughts").Array() {
		text := strings.TrimSpace(th.Get("subject").String() + " " + th.Get("description").String())
		ev := base
		ev.Kind = trace.KindReasoning
		ev.Role = role
		ev.Preview = trace.Preview(text)
		ev.SearchText = trace.SearchKey(text)
		b.add(ev)
	}

	content := msg.Get("content")
	var text []string
	if content.Type == gjson.String {
		text = append(text, content.String())
	}
	parts := content.Get("parts")
	if !parts.Exists() {
		parts = msg.Get("parts")
	}
	for _, part := range parts.Array() {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			geminiToolUse(b, base, role, fc.Get("name").String(), fc.Get("id").String(), fc.Get("args").Raw)
		case part.Get("functionResponse").Exists():
			fr := part.Get("functionResponse")
			geminiToolResult(b, base, fr.Get("id").String(), fr.Get("response").Raw)
		case part.Get("thought").Type == gjson.True:
			t := part.Get("text").String()
			ev := base
			ev.Kind = trace.KindReasoning
			ev.Role = role
			ev.Preview = trace.Preview(t)
			ev.SearchText = trace.SearchKey(t)
			b.add(ev)
		case part.Get("text").Exists():
			text = append(text, part.Get("text").String())
		}
	}

	if joined := strings.TrimSpace(strings.Join(text, "\n")); joined != "" {
		ev := base
		ev.Kind = kind
		ev.Role = role
		ev.Preview = trace.Preview(joined)
		ev.SearchText = trace.SearchKey(joined)
		b.add(ev)
	}

	for _, tc := range msg.Get("toolCalls").Array() {
		id := tc.Get("id").String()
		geminiToolUse(b, base, role, tc.Get("name").String(), id, tc.Get("args").Raw)
		if res := tc.Get("result"); res.Exists() {
			geminiToolResult(b, base, id, res.Raw)
		}
	}
}

func geminiToolUse(b *builder, base trace.Event, role, name, id, args string) {
	args = compact([]byte(args))
	ev := base
	ev.Kind = trace.KindToolUse
	ev.Role = role
	ev.ToolName = name
	ev.ToolCallID = id
	ev.ToolArgs = args
	ev.Preview = trace.Preview(name + " " + args)
	ev.SearchText = trace.SearchKey(name, args)
	b.add(ev)
}

func geminiToolResult(b *builder, base trace.Event, id, raw string) {
	out := compact([]byte(raw))
	ev := base
	ev.Kind = trace.KindToolResult
	ev.Role = "tool"
	ev.ToolCallID = id
	ev.ToolResult = out
	ev.Preview = trace.Preview(out)
	ev.SearchText = trace.SearchKey(out)
	b.add(ev)
}

// SessionIDFromPath derives a session id from the file name conventions of
// the supported agents: Codex rollout names end in a UUID, Gemini chat
// names end in a short hex id, Claude names are the id itself.
func SessionIDFromPath(path string) string {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "rollout-"):
		return codexSessionID(base)
	case strings.HasPrefix(base, "session-") && strings.HasSuffix(base, ".json"):
		name := strings.TrimSuffix(base, ".json")
		return name[strings.LastIndexByte(name, '-')+1:]
	default:
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
}
