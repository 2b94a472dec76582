package parser

import (
	"encoding/json"

	"github.com/agent-racer/tracewatch/internal/trace"
)

// builder accumulates events for one Parse call, assigning indices in
// emission order.
type builder struct {
	res  Result
	next int
}

func (b *builder) add(ev trace.Event) {
	b.next++
	ev.Index = b.next
	b.res.Events = append(b.res.Events, ev)
}

func (b *builder) session(id string) {
	if id != "" && b.res.SessionID == "" {
		b.res.SessionID = id
	}
}

func (b *builder) model(m string) {
	if m != "" {
		b.res.Model = m
	}
}

// lineFunc decodes one valid JSON line into zero or more events.
type lineFunc func(b *builder, line []byte, offset int64)

// parseJSONL runs fn over every complete line in data. Lines that are not
// valid JSON are skipped and counted as malformed.
func parseJSONL(data []byte, fn lineFunc) Result {
	complete, _ := SplitComplete(data)

	b := &builder{}
	eachLine(complete, func(line []byte, offset int64) {
		if !json.Valid(line) {
			b.res.Malformed++
			return
		}
		fn(b, line, offset)
	})
	b.res.Consumed = int64(len(complete))
	return b.res
}

// rawCopy detaches a line from the read buffer so events can outlive it.
func rawCopy(line []byte) json.RawMessage {
	return append(json.RawMessage(nil), line...)
}
