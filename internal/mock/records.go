package mock

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type claudeRecord struct {
	Type      string         `json:"type"`
	UUID      string         `json:"uuid"`
	SessionID string         `json:"sessionId"`
	Cwd       string         `json:"cwd"`
	Timestamp string         `json:"timestamp"`
	Message   map[string]any `json:"message"`
}

type codexLine struct {
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

func codexRecord(now time.Time, typ string, payload map[string]any) codexLine {
	return codexLine{Timestamp: stamp(now), Type: typ, Payload: payload}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (g *Generator) claude(ms *mockSession, now time.Time, typ string, msg map[string]any) claudeRecord {
	return claudeRecord{
		Type:      typ,
		UUID:      uuid.NewString(),
		SessionID: ms.id,
		Cwd:       ms.workingDir,
		Timestamp: stamp(now),
		Message:   msg,
	}
}

func (g *Generator) userText(ms *mockSession, now time.Time, text string) any {
	if ms.format == codexFormat {
		return codexRecord(now, "response_item", map[string]any{
			"type": "message", "role": "user",
			"content": []map[string]any{{"type": "input_text", "text": text}},
		})
	}
	return g.claude(ms, now, "user", map[string]any{"role": "user", "content": text})
}

func (g *Generator) assistantText(ms *mockSession, now time.Time, text string) any {
	in, out := g.usage(ms)
	if ms.format == codexFormat {
		return codexRecord(now, "response_item", map[string]any{
			"type": "message", "role": "assistant",
			"content": []map[string]any{{"type": "output_text", "text": text}},
		})
	}
	return g.claude(ms, now, "assistant", map[string]any{
		"id":      "msg_" + uuid.NewString(),
		"role":    "assistant",
		"model":   ms.model,
		"content": []map[string]any{{"type": "text", "text": text}},
		"usage":   map[string]any{"input_tokens": in, "output_tokens": out},
	})
}

func (g *Generator) toolUse(ms *mockSession, now time.Time) any {
	name := ms.tools[ms.toolIdx%len(ms.tools)]
	ms.toolIdx++
	ms.pendingName = name
	in, out := g.usage(ms)

	if ms.format == codexFormat {
		ms.pendingTool = "call_" + uuid.NewString()[:8]
		return codexRecord(now, "response_item", map[string]any{
			"type": "function_call", "name": name, "call_id": ms.pendingTool,
			"arguments": fmt.Sprintf(`{"command":["echo","step %d"]}`, ms.turns),
		})
	}
	ms.pendingTool = "toolu_" + uuid.NewString()[:12]
	return g.claude(ms, now, "assistant", map[string]any{
		"id":    "msg_" + uuid.NewString(),
		"role":  "assistant",
		"model": ms.model,
		"content": []map[string]any{{
			"type": "tool_use", "id": ms.pendingTool, "name": name,
			"input": map[string]any{"path": fmt.Sprintf("%s/file_%d.go", ms.workingDir, ms.turns)},
		}},
		"usage": map[string]any{"input_tokens": in, "output_tokens": out},
	})
}

func (g *Generator) toolResult(ms *mockSession, now time.Time) any {
	id, name := ms.pendingTool, ms.pendingName
	ms.pendingTool, ms.pendingName = "", ""
	output := fmt.Sprintf("%s finished (%d lines)", name, 10+g.rnd.Intn(200))

	if ms.format == codexFormat {
		return codexRecord(now, "response_item", map[string]any{
			"type": "function_call_output", "call_id": id, "output": output,
		})
	}
	return g.claude(ms, now, "user", map[string]any{
		"role": "user",
		"content": []map[string]any{{
			"type": "tool_result", "tool_use_id": id, "content": output,
		}},
	})
}

// tokenCount reports cumulative usage the way Codex rollouts do.
func tokenCount(ms *mockSession, now time.Time) codexLine {
	return codexRecord(now, "event_msg", map[string]any{
		"type": "token_count",
		"info": map[string]any{"total_token_usage": map[string]any{
			"input_tokens": ms.tokens * 3 / 4, "cached_input_tokens": 0, "output_tokens": ms.tokens / 4,
		}},
	})
}
