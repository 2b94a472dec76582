package parser

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/agent-racer/tracewatch/internal/trace"
)

const genericName = "generic"

var genericKinds = map[string]trace.Kind{
	"user":                 trace.KindUser,
	"human":                trace.KindUser,
	"assistant":            trace.KindAssistant,
	"model":                trace.KindAssistant,
	"ai":                   trace.KindAssistant,
	"agent":                trace.KindAssistant,
	"system":               trace.KindSystem,
	"developer":            trace.KindSystem,
	"tool_use":             trace.KindToolUse,
	"tool_call":            trace.KindToolUse,
	"function_call":        trace.KindToolUse,
	"tool_result":          trace.KindToolResult,
	"tool":                 trace.KindToolResult,
	"function":             trace.KindToolResult,
	"function_call_output": trace.KindToolResult,
	"reasoning":            trace.KindReasoning,
	"thinking":             trace.KindReasoning,
}

// Generic parses any JSONL stream of flat-ish records by looking for the
// usual role, type, content and tool fields.
type Generic struct{}

func NewGeneric() *Generic { return &Generic{} }

func (*Generic) Name() string      { return genericName }
func (*Generic) Agent() string     { return "unknown" }
func (*Generic) Incremental() bool { return true }

func (*Generic) Parse(data []byte) Result {
	return parseJSONL(data, parseGenericLine)
}

func parseGenericLine(b *builder, line []byte, offset int64) {
	rec := gjson.ParseBytes(line)
	if !rec.IsObject() {
		b.res.Malformed++
		return
	}
	b.session(firstString(rec, "session_id", "sessionId", "conversation_id"))
	b.model(firstString(rec, "model", "message.model"))

	ev := trace.Event{
		Offset:    offset,
		Timestamp: parseTime(firstString(rec, "timestamp", "ts", "time", "created_at")),
		Raw:       rawCopy(line),
	}

	kind := trace.KindMeta
	for _, key := range []string{"type", "role", "message.role", "kind"} {
		name := strings.ToLower(rec.Get(key).String())
		if k, ok := genericKinds[name]; ok {
			kind = k
			if ev.Role == "" {
				ev.Role = name
			}
			break
		}
	}
	ev.Kind = kind

	text := genericText(rec)
	switch kind {
	case trace.KindToolUse:
		ev.ToolName = firstString(rec, "tool_name", "name", "tool", "function.name")
		ev.ToolCallID = firstString(rec, "tool_call_id", "call_id", "id")
		ev.ToolArgs = compact([]byte(firstRaw(rec, "arguments", "args", "input", "function.arguments")))
		ev.Preview = trace.Preview(ev.ToolName + " " + ev.ToolArgs)
		ev.SearchText = trace.SearchKey(ev.ToolName, ev.ToolArgs)
	case trace.KindToolResult:
		ev.ToolCallID = firstString(rec, "tool_call_id", "tool_use_id", "call_id", "id")
		if text == "" {
			text = firstString(rec, "output", "result")
		}
		ev.ToolResult = text
		ev.Preview = trace.Preview(text)
		ev.SearchText = trace.SearchKey(text)
	default:
		ev.Preview = trace.Preview(text)
		ev.SearchText = trace.SearchKey(text)
	}
	b.add(ev)
}

func genericText(rec gjson.Result) string {
	for _, key := range []string{"content", "message.content", "text", "message"} {
		v := rec.Get(key)
		switch {
		case v.Type == gjson.String:
			return v.String()
		case v.IsArray():
			var parts []string
			for _, p := range v.Array() {
				if p.Type == gjson.String {
					parts = append(parts, p.String())
				} else if t := p.Get("text").String(); t != "" {
					parts = append(parts, t)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
		}
	}
	return ""
}

func firstRaw(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		r := v.Get(p)
		if !r.Exists() {
			continue
		}
		if r.Type == gjson.String {
			return r.String()
		}
		return r.Raw
	}
	return ""
}
