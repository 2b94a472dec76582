package stream

import (
	"sync"

	"github.com/google/uuid"

	"github.com/agent-racer/tracewatch/internal/trace"
)

type Type string

const (
	TraceAdded      Type = "trace_added"
	TraceUpdated    Type = "trace_updated"
	TraceRemoved    Type = "trace_removed"
	EventsAppended  Type = "events_appended"
	OverviewUpdated Type = "overview_updated"
)

// Envelope wraps one index mutation. Version increases strictly across all
// envelopes published by a Bus.
type Envelope struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	Version uint64 `json:"version"`
	Payload any    `json:"payload"`
}

// TracePayload carries the new summary for trace_added and trace_updated.
type TracePayload struct {
	Summary trace.Summary `json:"summary"`
}

type RemovedPayload struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// AppendedPayload carries the tail of the events appended in one growth.
// Truncated is set when more events were appended than are carried.
type AppendedPayload struct {
	TraceID     string        `json:"traceId"`
	Events      []trace.Event `json:"events"`
	Appended    int           `json:"appended"`
	TotalEvents int           `json:"totalEvents"`
	Truncated   bool          `json:"truncated"`
}

// Overview aggregates the whole index.
type Overview struct {
	Traces      int            `json:"traces"`
	Events      int            `json:"events"`
	Unparseable int            `json:"unparseable"`
	ByStatus    map[string]int `json:"byStatus"`
	ByAgent     map[string]int `json:"byAgent"`
	ByTier      map[string]int `json:"byTier"`
}

// Handler receives envelopes synchronously on the publishing goroutine. It
// must not block and must not publish.
type Handler func(Envelope)

type subscriber struct {
	id int
	fn Handler
}

// Bus delivers envelopes to subscribers in registration order. There is no
// replay: late subscribers start from a snapshot.
type Bus struct {
	mu      sync.Mutex
	version uint64
	nextID  int
	subs    []subscriber
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h and returns a func that removes it. Calling the
// returned func more than once is harmless.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish stamps payload with the next version and delivers it. Delivery
// happens under the bus lock so concurrent publishers cannot interleave
// envelopes out of version order.
func (b *Bus) Publish(typ Type, payload any) Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.version++
	env := Envelope{
		ID:      uuid.NewString(),
		Type:    typ,
		Version: b.version,
		Payload: payload,
	}
	for _, s := range b.subs {
		s.fn(env)
	}
	return env
}

// Version is the version of the last published envelope.
func (b *Bus) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
