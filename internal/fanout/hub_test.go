package fanout

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/protocol"
)

// fakeConn records envelopes; gone makes Send report a departed peer.
type fakeConn struct {
	mu     sync.Mutex
	got    []protocol.Envelope
	gone   bool
	closed bool
}

func (c *fakeConn) Send(_ context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return ErrPeerGone
	}
	c.got = append(c.got, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) types() []protocol.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.MessageType, len(c.got))
	for i, e := range c.got {
		out[i] = e.Type
	}
	return out
}

func env(t protocol.MessageType) protocol.Envelope {
	return protocol.MustNew(t, "", protocol.TypingData{Typing: true})
}

func TestBroadcastReachesSessionOnly(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil, zap.NewNop(), nil)
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	ida, idb, idc := h.Register(a), h.Register(b), h.Register(c)
	require.NoError(t, h.Associate(ida, "s1"))
	require.NoError(t, h.Associate(idb, "s1"))
	require.NoError(t, h.Associate(idc, "s2"))

	require.NoError(t, h.Broadcast(ctx, env(protocol.TypeNewMessage), "s1"))
	require.Equal(t, []protocol.MessageType{protocol.TypeNewMessage}, a.types())
	require.Equal(t, []protocol.MessageType{protocol.TypeNewMessage}, b.types())
	require.Empty(t, c.types())
	require.Equal(t, "s1", a.got[0].SessionID)

	require.NoError(t, h.Broadcast(ctx, env(protocol.TypeStatus), ""))
	require.Len(t, c.types(), 1)
	require.Len(t, a.types(), 2)
}

func TestAssociateLastWins(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil, zap.NewNop(), nil)
	a := &fakeConn{}
	id := h.Register(a)
	require.NoError(t, h.Associate(id, "s1"))
	require.NoError(t, h.Associate(id, "s2"))
	require.Equal(t, "s2", h.SessionOf(id))

	require.NoError(t, h.Broadcast(ctx, env(protocol.TypeNewMessage), "s1"))
	require.Empty(t, a.types())
	require.NoError(t, h.Broadcast(ctx, env(protocol.TypeNewMessage), "s2"))
	require.Len(t, a.types(), 1)

	stats := h.Stats()
	require.Equal(t, 1, stats.TotalConnections)
	require.Equal(t, map[string]int{"s2": 1}, stats.ConnectionsBySession)

	require.ErrorIs(t, h.Associate("nope", "s1"), ErrUnknownConnection)
}

func TestSendDropsGoneConnection(t *testing.T) {
	ctx := context.Background()
	h := NewHub(nil, zap.NewNop(), nil)
	gone, alive := &fakeConn{gone: true}, &fakeConn{}
	idGone, idAlive := h.Register(gone), h.Register(alive)
	require.NoError(t, h.Associate(idGone, "s1"))
	require.NoError(t, h.Associate(idAlive, "s1"))

	require.ErrorIs(t, h.Send(ctx, idGone, env(protocol.TypePong)), ErrPeerGone)
	require.Equal(t, 1, h.Stats().TotalConnections)
	require.ErrorIs(t, h.Send(ctx, idGone, env(protocol.TypePong)), ErrUnknownConnection)

	// A departed peer does not affect others in the session.
	require.NoError(t, h.Broadcast(ctx, env(protocol.TypeNewMessage), "s1"))
	require.Len(t, alive.types(), 1)
}

func TestUnregisterAndCloseAll(t *testing.T) {
	h := NewHub(nil, zap.NewNop(), nil)
	a, b := &fakeConn{}, &fakeConn{}
	ida := h.Register(a)
	h.Register(b)
	require.NoError(t, h.Associate(ida, "s1"))
	h.Unregister(ida)
	h.Unregister(ida)
	require.Equal(t, 0, h.Stats().ActiveSessions)
	require.Len(t, h.Connections(), 1)

	h.CloseAll()
	require.True(t, b.closed)
	require.Empty(t, h.Connections())
}

func waitSubscribers(t *testing.T, bus *LocalBus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.Subscribers() == n }, time.Second, 5*time.Millisecond)
}

func TestBusFansOutAcrossHubs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewLocalBus()
	h1 := NewHub(bus, zap.NewNop(), nil)
	h2 := NewHub(bus, zap.NewNop(), nil)
	go func() { _ = h1.Run(ctx) }()
	go func() { _ = h2.Run(ctx) }()
	waitSubscribers(t, bus, 2)

	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	require.NoError(t, h1.Associate(h1.Register(a), "s1"))
	require.NoError(t, h2.Associate(h2.Register(b), "s1"))
	require.NoError(t, h2.Associate(h2.Register(other), "s2"))

	require.NoError(t, h1.Broadcast(ctx, env(protocol.TypeNewMessage), "s1"))
	require.Len(t, a.types(), 1)
	require.Len(t, b.types(), 1)
	require.Empty(t, other.types())

	// Instance-wide broadcasts are delivered once per connection.
	require.NoError(t, h1.Broadcast(ctx, env(protocol.TypeStatus), ""))
	require.Len(t, a.types(), 2)
	require.Len(t, b.types(), 2)
	require.Len(t, other.types(), 1)
}

type failingBus struct{ LocalBus }

func (*failingBus) Publish(context.Context, Message) error { return ErrPayloadTooLarge }

func TestPublishFailureDeliversLocally(t *testing.T) {
	h := NewHub(&failingBus{}, zap.NewNop(), nil)
	a := &fakeConn{}
	require.NoError(t, h.Associate(h.Register(a), "s1"))
	require.NoError(t, h.Broadcast(context.Background(), env(protocol.TypeNewMessage), "s1"))
	require.Len(t, a.types(), 1)
}

func TestNotifyPayloadSpillsOversizedMessages(t *testing.T) {
	small := Message{SessionID: "s1", Data: []byte(`{"type":"pong"}`)}
	_, spill, err := notifyPayload(small)
	require.NoError(t, err)
	require.False(t, spill)

	text, err := json.Marshal(strings.Repeat("\"quoted\" ", 900))
	require.NoError(t, err)
	big := Message{SessionID: "s1", Data: []byte(`{"type":"new_message","data":{"content":` + string(text) + `}}`)}
	payload, spill, err := notifyPayload(big)
	require.NoError(t, err)
	require.True(t, spill)
	require.Greater(t, len(payload), maxNotifyPayload)
}

func TestPostgresBus(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus, err := NewPostgresBus(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	defer bus.Close()

	got := make(chan Message, 1)
	go func() {
		_ = bus.Subscribe(ctx, func(m Message) { got <- m })
	}()

	want := Message{SessionID: "s1", Data: []byte(`{"type":"pong"}`)}
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, want)
		select {
		case m := <-got:
			return m.SessionID == "s1"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	text, err := json.Marshal(strings.Repeat("x", 3*maxNotifyPayload))
	require.NoError(t, err)
	big := Message{SessionID: "s2", Data: []byte(`{"content":` + string(text) + `}`)}
	require.NoError(t, bus.Publish(ctx, big))
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-got:
			if m.SessionID != "s2" {
				continue // late copies of the first message
			}
			require.Empty(t, m.Ref)
			require.JSONEq(t, string(big.Data), string(m.Data))
			return
		case <-deadline:
			t.Fatal("oversized message was not delivered")
		}
	}
}
