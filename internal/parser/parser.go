package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agent-racer/tracewatch/internal/trace"
)

// Parser turns raw trace bytes into normalized events for one log dialect.
type Parser interface {
	// Name identifies the parser in summaries and in ParseText lookups.
	Name() string
	// Agent is the agent family reported when the file carries no better hint.
	Agent() string
	// Incremental reports whether the format is append-only line records,
	// which makes tail parsing of a byte fragment equivalent to a full parse.
	Incremental() bool
	// Parse parses data. Events are indexed from 1 with offsets relative to
	// data. Consumed is the length of the prefix that was fully parsed.
	Parse(data []byte) Result
}

// Result is the outcome of parsing a whole file or a fragment.
type Result struct {
	Parser    string
	Agent     string
	SessionID string
	Model     string
	Events    []trace.Event
	// Consumed is the number of leading bytes that formed complete records.
	Consumed int64
	// Size is the number of bytes read from disk (ParseFile only).
	Size int64
	// Malformed counts complete records that failed to decode.
	Malformed int
	// ParseError is set when the file could not be read or nothing in it
	// could be decoded. Such traces stay listed with zero events.
	ParseError string
}

// SplitComplete splits data into the prefix made of complete records and
// the trailing remainder. Records end at a newline; an unterminated tail
// still counts as complete when it is one self-contained JSON object.
// Whitespace-only tails are consumed.
func SplitComplete(data []byte) (complete, rest []byte) {
	i := bytes.LastIndexByte(data, '\n')
	complete, rest = data[:i+1], data[i+1:]
	tail := bytes.TrimSpace(rest)
	if len(tail) == 0 || (tail[0] == '{' && json.Valid(tail)) {
		return data, nil
	}
	return complete, rest
}

// eachLine calls fn for every non-blank line of data with the line's byte
// offset. data must hold complete records only.
func eachLine(data []byte, fn func(line []byte, offset int64)) {
	var off int64
	for len(data) > 0 {
		n := bytes.IndexByte(data, '\n')
		var line []byte
		if n < 0 {
			line, data = data, nil
		} else {
			line, data = data[:n], data[n+1:]
		}
		start := off
		off += int64(len(line)) + 1
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		fn(line, start)
	}
}

// Registry selects a parser per trace file.
type Registry struct {
	parsers  map[string]Parser
	fallback Parser
}

// NewRegistry builds a registry from parsers. The fallback handles files
// whose profile and agent hint match no registered parser.
func NewRegistry(fallback Parser, parsers ...Parser) *Registry {
	r := &Registry{
		parsers:  make(map[string]Parser),
		fallback: fallback,
	}
	for _, p := range append(parsers, fallback) {
		r.parsers[p.Name()] = p
	}
	return r
}

// Default returns a registry with every built-in dialect.
func Default() *Registry {
	return NewRegistry(NewGeneric(), NewClaude(), NewCodex(), NewGemini())
}

// Lookup returns the parser registered under name.
func (r *Registry) Lookup(name string) (Parser, bool) {
	p, ok := r.parsers[name]
	return p, ok
}

// Select picks the parser for file: by profile, then agent hint, then by
// file extension.
func (r *Registry) Select(file trace.DiscoveredFile) Parser {
	if p, ok := r.parsers[file.Profile]; ok {
		return p
	}
	if p, ok := r.parsers[file.AgentHint]; ok {
		return p
	}
	if strings.EqualFold(filepath.Ext(file.Path), ".json") {
		if p, ok := r.parsers[geminiName]; ok {
			return p
		}
	}
	return r.fallback
}

// ParseFile reads and fully parses file. Read failures are reported through
// Result.ParseError rather than an error return so the trace stays listed.
func (r *Registry) ParseFile(file trace.DiscoveredFile) Result {
	p := r.Select(file)

	data, err := os.ReadFile(file.Path)
	if err != nil {
		return Result{
			Parser:     p.Name(),
			Agent:      agentFor(p, file),
			ParseError: fmt.Sprintf("read %s: %v", file.Path, err),
		}
	}

	res := p.Parse(data)
	res.Parser = p.Name()
	if res.Agent == "" {
		res.Agent = agentFor(p, file)
	}
	res.Size = int64(len(data))
	trace.AssignIDs(file.ID, res.Events)
	return res
}

// ParseText parses a fragment of complete records with the named parser.
// Event ids are left empty: the caller rebases indices and offsets first.
func (r *Registry) ParseText(file trace.DiscoveredFile, fragment []byte, parserName string) Result {
	p, ok := r.parsers[parserName]
	if !ok {
		p = r.Select(file)
	}
	res := p.Parse(fragment)
	res.Parser = p.Name()
	if res.Agent == "" {
		res.Agent = agentFor(p, file)
	}
	return res
}

func agentFor(p Parser, file trace.DiscoveredFile) string {
	if file.AgentHint != "" {
		return file.AgentHint
	}
	return p.Agent()
}

// parseTime accepts RFC 3339 strings and unix epochs in seconds or
// milliseconds.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		if f > 1e12 {
			return time.UnixMilli(int64(f))
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9))
	}
	return time.Time{}
}

// compact renders JSON without insignificant whitespace, falling back to
// the raw text.
func compact(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}
