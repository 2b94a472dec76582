package redact

import (
	"fmt"
	"regexp"

	"github.com/agent-racer/tracewatch/internal/trace"
)

// Placeholder replaces every matched secret.
const Placeholder = "[REDACTED]"

// builtinPatterns catch the credential shapes that show up most often in
// agent transcripts: API keys echoed by tools, auth headers, private keys.
var builtinPatterns = []string{
	`sk-(?:ant-|proj-)?[A-Za-z0-9_\-]{20,}`,
	`AKIA[0-9A-Z]{16}`,
	`gh[pousr]_[A-Za-z0-9]{36,}`,
	`xox[baprs]-[A-Za-z0-9\-]{10,}`,
	`AIza[0-9A-Za-z_\-]{35}`,
	`(?i)bearer\s+[A-Za-z0-9._~+/\-]{16,}`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
}

// Redactor masks secrets in event text. The zero value and a nil *Redactor
// are no-ops.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New compiles the built-in patterns plus extra. Disabled returns a no-op
// redactor.
func New(enabled bool, extra []string) (*Redactor, error) {
	if !enabled {
		return &Redactor{}, nil
	}
	r := &Redactor{}
	for _, p := range append(append([]string(nil), builtinPatterns...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// IsNoop reports whether the redactor changes nothing.
func (r *Redactor) IsNoop() bool {
	return r == nil || len(r.patterns) == 0
}

// String masks every match in s.
func (r *Redactor) String(s string) string {
	if r.IsNoop() || s == "" {
		return s
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, Placeholder)
	}
	return s
}

// Events masks secrets in place across the textual fields of each event and
// returns the same slice. Order and identity are preserved. Matches never
// span quotes or backslashes, so redacting Raw keeps it valid JSON.
func (r *Redactor) Events(events []trace.Event) []trace.Event {
	if r.IsNoop() {
		return events
	}
	for i := range events {
		ev := &events[i]
		ev.Preview = r.String(ev.Preview)
		ev.ToolArgs = r.String(ev.ToolArgs)
		ev.ToolResult = r.String(ev.ToolResult)
		ev.SearchText = r.String(ev.SearchText)
		if len(ev.Raw) > 0 {
			s := string(ev.Raw)
			if masked := r.String(s); masked != s {
				ev.Raw = []byte(masked)
			}
		}
	}
	return events
}
