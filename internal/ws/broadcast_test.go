package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/stream"
	"github.com/agent-racer/tracewatch/internal/trace"
)

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg rawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// dialBroadcaster serves b through a real Server and returns a client conn.
func dialBroadcaster(t *testing.T, src *fakeSource, b *Broadcaster) *websocket.Conn {
	t.Helper()
	s := NewServer(config.ServerConfig{}, &stubIndex{fakeSource: src}, b, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcasterSnapshotThenNewerEnvelopes(t *testing.T) {
	src := newFakeSource()
	// Two envelopes were published before the client connects; the snapshot
	// already reflects them.
	src.bus.Publish(stream.TraceAdded, stream.TracePayload{Summary: trace.Summary{ID: "a"}})
	src.bus.Publish(stream.TraceAdded, stream.TracePayload{Summary: trace.Summary{ID: "b"}})
	src.snap = index.Snapshot{Version: 3, Traces: []trace.Summary{{ID: "a"}, {ID: "b"}, {ID: "c"}}}

	b := NewBroadcaster(src, 0, nil)
	defer b.Stop()
	conn := dialBroadcaster(t, src, b)

	msg := readMessage(t, conn)
	require.Equal(t, MsgSnapshot, msg.Type)
	var snap index.Snapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &snap))
	assert.Equal(t, uint64(3), snap.Version)
	assert.Len(t, snap.Traces, 3)

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	// Version 3 is covered by the snapshot and must be skipped.
	src.bus.Publish(stream.TraceAdded, stream.TracePayload{Summary: trace.Summary{ID: "c"}})
	src.bus.Publish(stream.TraceRemoved, stream.RemovedPayload{ID: "a", Path: "/a"})

	msg = readMessage(t, conn)
	require.Equal(t, MsgEnvelope, msg.Type)
	var env struct {
		Type    stream.Type           `json:"type"`
		Version uint64                `json:"version"`
		Payload stream.RemovedPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &env))
	assert.Equal(t, stream.TraceRemoved, env.Type)
	assert.Equal(t, uint64(4), env.Version)
	assert.Equal(t, "a", env.Payload.ID)
}

func TestBroadcasterDropsSlowClient(t *testing.T) {
	conn := newUpgradePool(t).next()
	defer conn.Close()

	src := newFakeSource()
	b := NewBroadcaster(src, 0, nil)
	defer b.Stop()

	// A client whose pump never runs fills up and is disconnected.
	c := &client{conn: conn, b: b, send: make(chan []byte, 2)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	for i := 0; i < 3; i++ {
		src.bus.Publish(stream.OverviewUpdated, stream.Overview{Traces: i})
	}
	assert.Zero(t, b.ClientCount())
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBroadcasterStopUnsubscribes(t *testing.T) {
	src := newFakeSource()
	b := NewBroadcaster(src, 0, nil)
	require.Equal(t, 1, src.bus.SubscriberCount())

	b.Stop()
	b.Stop()
	assert.Zero(t, src.bus.SubscriberCount())
}

func TestServerRejectsOverLimit(t *testing.T) {
	src := newFakeSource()
	b := NewBroadcaster(src, 1, nil)
	defer b.Stop()

	s := NewServer(config.ServerConfig{}, &stubIndex{fakeSource: src}, b, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()
	assert.Equal(t, MsgSnapshot, readMessage(t, first).Type)

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestServerWSRequiresToken(t *testing.T) {
	src := newFakeSource()
	b := NewBroadcaster(src, 0, nil)
	defer b.Stop()

	s := NewServer(config.ServerConfig{AuthToken: "secret"}, &stubIndex{fakeSource: src}, b, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=secret", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, MsgSnapshot, readMessage(t, conn).Type)
}
