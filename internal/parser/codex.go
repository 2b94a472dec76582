package parser

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/agent-racer/tracewatch/internal/trace"
)

const codexName = "codex"

// Codex parses Codex CLI rollout files ($CODEX_HOME/sessions/YYYY/MM/DD/
// rollout-<ts>-<uuid>.jsonl). Both the type/payload envelope and the older
// bare item format are understood.
type Codex struct{}

func NewCodex() *Codex { return &Codex{} }

func (*Codex) Name() string      { return codexName }
func (*Codex) Agent() string     { return "codex" }
func (*Codex) Incremental() bool { return true }

func (*Codex) Parse(data []byte) Result {
	return parseJSONL(data, parseCodexLine)
}

func parseCodexLine(b *builder, line []byte, offset int64) {
	rec := gjson.ParseBytes(line)
	base := trace.Event{
		Offset:    offset,
		Timestamp: parseTime(rec.Get("timestamp").String()),
		Raw:       rawCopy(line),
	}

	typ := rec.Get("type").String()
	payload := rec.Get("payload")
	if typ != "" && payload.Exists() {
		codexEnvelope(b, base, typ, payload)
		return
	}

	// Bare format: the first record is session metadata without a type.
	if typ == "" {
		if id := firstString(rec, "id", "session_id", "conversation_id"); id != "" {
			b.session(id)
			ev := base
			ev.Kind = trace.KindMeta
			ev.Preview = "session_meta"
			b.add(ev)
		}
		return
	}
	codexItem(b, base, rec)
}

func codexEnvelope(b *builder, base trace.Event, typ string, payload gjson.Result) {
	switch typ {
	case "session_meta":
		b.session(firstString(payload, "id", "session_id", "conversation_id"))
		b.model(codexModel(payload.Get("model")))
		cwd := payload.Get("cwd").String()
		ev := base
		ev.Kind = trace.KindMeta
		ev.Preview = trace.Preview("session_meta " + cwd)
		ev.SearchText = trace.SearchKey(cwd)
		b.add(ev)

	case "response_item":
		codexItem(b, base, payload)

	case "turn_context":
		b.model(codexModel(payload.Get("model")))
		ev := base
		ev.Kind = trace.KindMeta
		ev.Preview = "turn_context"
		b.add(ev)

	case "event_msg":
		// event_msg mirrors response items for the UI; keep it as meta so it
		// neither duplicates conversation events nor resolves waits.
		sub := payload.Get("type").String()
		text := firstString(payload, "message", "text")
		ev := base
		ev.Kind = trace.KindMeta
		ev.Role = sub
		ev.Preview = trace.Preview(strings.TrimSpace(sub + " " + text))
		ev.SearchText = trace.SearchKey(text)
		b.add(ev)

	default:
		ev := base
		ev.Kind = trace.KindMeta
		ev.Preview = typ
		b.add(ev)
	}
}

// codexItem converts one response item (message, function call, reasoning
// and so on) into events.
func codexItem(b *builder, base trace.Event, item gjson.Result) {
	switch item.Get("type").String() {
	case "message":
		role := item.Get("role").String()
		text := codexContentText(item.Get("content"))
		ev := base
		ev.Role = role
		switch role {
		case "user":
			ev.Kind = trace.KindUser
		case "assistant":
			ev.Kind = trace.KindAssistant
		default:
			ev.Kind = trace.KindSystem
		}
		ev.Preview = trace.Preview(text)
		ev.SearchText = trace.SearchKey(text)
		b.add(ev)

	case "function_call", "custom_tool_call":
		name := item.Get("name").String()
		args := firstString(item, "arguments", "input")
		ev := base
		ev.Kind = trace.KindToolUse
		ev.Role = "assistant"
		ev.ToolName = name
		ev.ToolCallID = firstString(item, "call_id", "id")
		ev.ToolArgs = args
		ev.Preview = trace.Preview(name + " " + args)
		ev.SearchText = trace.SearchKey(name, args)
		b.add(ev)

	case "local_shell_call":
		cmd := item.Get("action.command")
		args := cmd.Raw
		if cmd.IsArray() {
			var parts []string
			for _, p := range cmd.Array() {
				parts = append(parts, p.String())
			}
			args = strings.Join(parts, " ")
		}
		ev := base
		ev.Kind = trace.KindToolUse
		ev.Role = "assistant"
		ev.ToolName = "shell"
		ev.ToolCallID = firstString(item, "call_id", "id")
		ev.ToolArgs = args
		ev.Preview = trace.Preview("shell " + args)
		ev.SearchText = trace.SearchKey("shell", args)
		b.add(ev)

	case "function_call_output", "custom_tool_call_output", "local_shell_call_output":
		out := item.Get("output")
		text := out.String()
		if out.IsObject() {
			text = firstString(out, "content", "output")
		}
		ev := base
		ev.Kind = trace.KindToolResult
		ev.Role = "tool"
		ev.ToolCallID = item.Get("call_id").String()
		ev.ToolResult = text
		ev.Preview = trace.Preview(text)
		ev.SearchText = trace.SearchKey(text)
		b.add(ev)

	case "reasoning":
		var parts []string
		for _, s := range item.Get("summary").Array() {
			if t := s.Get("text").String(); t != "" {
				parts = append(parts, t)
			}
		}
		text := strings.Join(parts, "\n")
		ev := base
		ev.Kind = trace.KindReasoning
		ev.Role = "assistant"
		ev.Preview = trace.Preview(text)
		ev.SearchText = trace.SearchKey(text)
		b.add(ev)

	case "web_search_call":
		query := item.Get("action.query").String()
		ev := base
		ev.Kind = trace.KindMeta
		ev.ToolName = "web_search"
		ev.Preview = trace.Preview("web_search " + query)
		ev.SearchText = trace.SearchKey(query)
		b.add(ev)

	default:
		ev := base
		ev.Kind = trace.KindMeta
		ev.Preview = item.Get("type").String()
		b.add(ev)
	}
}

func codexContentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var parts []string
	for _, c := range content.Array() {
		if t := c.Get("text").String(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// codexModel accepts the model either as a plain string or as an object
// carrying a name/slug.
func codexModel(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	return firstString(v, "name", "slug", "id")
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := v.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

// codexSessionID extracts the UUID from a rollout file name
// (rollout-{timestamp}-{uuid}.jsonl).
func codexSessionID(base string) string {
	name := strings.TrimSuffix(base, ".jsonl")
	name = strings.TrimPrefix(name, "rollout-")
	if len(name) >= 36 {
		candidate := name[len(name)-36:]
		if candidate[8] == '-' && candidate[13] == '-' && candidate[18] == '-' && candidate[23] == '-' {
			return candidate
		}
	}
	return name
}
