package index

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/agent-racer/tracewatch/internal/parser"
	"github.com/agent-racer/tracewatch/internal/trace"
)

// cursor records how far into a file the index has read. pending holds the
// bytes read after the last complete record; they are re-parsed together
// with the next growth.
type cursor struct {
	readOffset int64
	pending    []byte
}

// base is the file offset of the first pending byte.
func (c cursor) base() int64 {
	return c.readOffset - int64(len(c.pending))
}

// errFallback explains why an incremental parse was not possible. The
// caller reparses the whole file instead.
type errFallback struct{ reason string }

func (e *errFallback) Error() string { return "incremental parse unavailable: " + e.reason }

func fallback(reason string) error { return &errFallback{reason: reason} }

// growth is the outcome of a successful incremental parse.
type growth struct {
	events []trace.Event
	cursor cursor
	result parser.Result
}

// readGrowth parses the bytes appended to file since c. It never mutates
// prior state: the caller commits the returned growth. count is the number
// of events already indexed, so new events are numbered from count+1.
func readGrowth(reg Registry, file trace.DiscoveredFile, parserName string, c cursor, count int, maxPending int) (growth, error) {
	if c.readOffset < 0 || c.readOffset > file.Size {
		return growth{}, fallback("cursor out of range")
	}

	buf := make([]byte, file.Size-c.readOffset)
	if len(buf) > 0 {
		f, err := os.Open(file.Path)
		if err != nil {
			return growth{}, fmt.Errorf("open %s: %w", file.Path, err)
		}
		defer f.Close()
		n, err := f.ReadAt(buf, c.readOffset)
		if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
			return growth{}, fallback("short read")
		}
	}

	data := append(slices.Clip(c.pending), buf...)
	complete, rest := parser.SplitComplete(data)
	if maxPending > 0 && len(rest) > maxPending {
		return growth{}, fallback("pending tail too large")
	}

	g := growth{cursor: cursor{readOffset: file.Size, pending: slices.Clone(rest)}}
	if len(complete) == 0 {
		return g, nil
	}

	res := reg.ParseText(file, complete, parserName)
	for i := range res.Events {
		res.Events[i].Index += count
		res.Events[i].Offset += c.base()
	}
	trace.AssignIDs(file.ID, res.Events)
	g.events = res.Events
	g.result = res
	return g, nil
}
