package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/stream"
)

// ErrTooManyConnections is returned by AddClient once the connection cap is
// reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// Source is the part of the index the broadcaster needs.
type Source interface {
	Subscribe(h stream.Handler) func()
	Snapshot() index.Snapshot
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
	// floor is the snapshot version this client started from.
	floor uint64
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// Broadcaster fans index envelopes out to websocket clients. Each client
// receives a snapshot first, then every envelope newer than it.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	src      Source
	maxConns int
	log      *zap.Logger

	unsubscribe func()
	stopOnce    sync.Once

	dropped atomic.Uint64
}

// NewBroadcaster subscribes to src. maxConns of zero means unlimited.
func NewBroadcaster(src Source, maxConns int, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		src:      src,
		maxConns: maxConns,
		log:      log,
	}
	b.unsubscribe = src.Subscribe(b.handle)
	return b
}

// AddClient registers conn and queues the current snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		return nil, ErrTooManyConnections
	}

	// The snapshot is read under the lock so no envelope newer than it can
	// be fanned out before this client is registered.
	snap := b.src.Snapshot()
	data, err := json.Marshal(WSMessage{Type: MsgSnapshot, Payload: SnapshotPayload{snap}})
	if err != nil {
		return nil, err
	}

	c := &client{
		conn:  conn,
		b:     b,
		send:  make(chan []byte, sendBuffer),
		floor: snap.Version,
	}
	c.send <- data
	b.clients[c] = true
	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// handle runs on the publishing goroutine and never blocks. Clients whose
// buffer is full are disconnected.
func (b *Broadcaster) handle(env stream.Envelope) {
	data, err := json.Marshal(WSMessage{Type: MsgEnvelope, Payload: env})
	if err != nil {
		b.log.Error("marshal envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		if env.Version <= c.floor {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.dropped.Add(1)
		b.log.Warn("ws client too slow, disconnecting", zap.String("remote", c.conn.RemoteAddr().String()))
		b.RemoveClient(c)
	}
}

// Stop unsubscribes from the index and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.unsubscribe()
		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Dropped counts clients disconnected for falling behind.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}
