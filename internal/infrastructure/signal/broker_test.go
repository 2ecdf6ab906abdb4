package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testPeer struct {
	t    *testing.T
	conn *websocket.Conn
	id   domain.PeerID
}

func dial(t *testing.T, srv *httptest.Server) *testPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &testPeer{t: t, conn: conn}
	open := p.read()
	require.Equal(t, MessageOpen, open.Type)
	require.NotEmpty(t, open.PeerID)
	p.id = open.PeerID
	return p
}

func (p *testPeer) read() Envelope {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(p.t, p.conn.ReadJSON(&env))
	return env
}

func (p *testPeer) write(v interface{}) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(v))
}

func newTestBroker(t *testing.T, cfg BrokerConfig, relay Relay) (*Broker, *httptest.Server) {
	b := NewBroker(cfg, relay, ports.NopMetrics{}, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, srv
}

func offer(dst domain.PeerID) Envelope {
	return Envelope{
		Type: MessageOffer,
		Dst:  dst,
		Payload: &Payload{
			ConnectionID:   "dc_1",
			ConnectionType: domain.ConnectionData,
			SDP:            "v=0\r\n",
		},
	}
}

func TestBroker_AssignsDistinctIdentities(t *testing.T) {
	b, srv := newTestBroker(t, BrokerConfig{}, nil)

	a := dial(t, srv)
	c := dial(t, srv)
	assert.NotEqual(t, a.id, c.id)
	assert.Eventually(t, func() bool { return b.ConnectedPeers() == 2 }, time.Second, 10*time.Millisecond)
}

func TestBroker_RelaysWithStampedSource(t *testing.T) {
	_, srv := newTestBroker(t, BrokerConfig{}, nil)
	a := dial(t, srv)
	c := dial(t, srv)

	msg := offer(c.id)
	msg.Src = "spoofed"
	a.write(msg)

	got := c.read()
	assert.Equal(t, MessageOffer, got.Type)
	assert.Equal(t, a.id, got.Src)
	assert.Equal(t, c.id, got.Dst)
	require.NotNil(t, got.Payload)
	assert.Equal(t, "dc_1", got.Payload.ConnectionID)
	assert.Equal(t, "v=0\r\n", got.Payload.SDP)

	a.write(Envelope{
		Type: MessageCandidate,
		Dst:  c.id,
		Payload: &Payload{
			ConnectionID: "dc_1",
			Candidate:    json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}`),
		},
	})
	cand := c.read()
	assert.Equal(t, MessageCandidate, cand.Type)
	assert.JSONEq(t, `{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}`, string(cand.Payload.Candidate))
}

func TestBroker_UnknownDestinationExpires(t *testing.T) {
	_, srv := newTestBroker(t, BrokerConfig{}, nil)
	a := dial(t, srv)

	a.write(offer("nobody-here"))

	got := a.read()
	assert.Equal(t, MessageExpire, got.Type)
	assert.Equal(t, domain.PeerID("nobody-here"), got.Dst)
}

func TestBroker_RejectsBadFrames(t *testing.T) {
	_, srv := newTestBroker(t, BrokerConfig{}, nil)
	a := dial(t, srv)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, MessageError, a.read().Type)

	a.write(Envelope{Type: "chat", Dst: "x"})
	assert.Equal(t, MessageError, a.read().Type)

	a.write(Envelope{Type: MessageOffer, Dst: "x", Payload: &Payload{ConnectionID: "dc_1"}})
	got := a.read()
	assert.Equal(t, MessageError, got.Type)
	assert.Contains(t, got.Message, "sdp")

	a.write(Envelope{Type: MessageAnswer, Payload: &Payload{ConnectionID: "dc_1", SDP: "v=0"}})
	assert.Equal(t, MessageError, a.read().Type)
}

func TestBroker_RateLimitsPerSocket(t *testing.T) {
	_, srv := newTestBroker(t, BrokerConfig{MessagesPerSecond: 0.001, Burst: 1}, nil)
	a := dial(t, srv)

	a.write(offer("nobody"))
	assert.Equal(t, MessageExpire, a.read().Type)

	a.write(offer("nobody"))
	got := a.read()
	assert.Equal(t, MessageError, got.Type)
	assert.Equal(t, "rate limit exceeded", got.Message)
}

type fakeRelay struct {
	mu         sync.Mutex
	registered map[domain.PeerID]bool
	remote     map[domain.PeerID][][]byte
}

func newFakeRelay(remote ...domain.PeerID) *fakeRelay {
	r := &fakeRelay{registered: map[domain.PeerID]bool{}, remote: map[domain.PeerID][][]byte{}}
	for _, id := range remote {
		r.remote[id] = nil
	}
	return r
}

func (r *fakeRelay) Register(_ context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[id] = true
	return nil
}

func (r *fakeRelay) Unregister(_ context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registered, id)
	return nil
}

func (r *fakeRelay) Forward(_ context.Context, dst domain.PeerID, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.remote[dst]; !ok {
		return domain.ErrPeerNotFound
	}
	r.remote[dst] = append(r.remote[dst], frame)
	return nil
}

func (r *fakeRelay) forwarded(dst domain.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.remote[dst])
}

func (r *fakeRelay) isRegistered(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[id]
}

func TestBroker_ForwardsThroughRelay(t *testing.T) {
	relay := newFakeRelay("remote-peer")
	_, srv := newTestBroker(t, BrokerConfig{}, relay)
	a := dial(t, srv)

	assert.Eventually(t, func() bool { return relay.isRegistered(a.id) }, time.Second, 10*time.Millisecond)

	a.write(offer("remote-peer"))
	assert.Eventually(t, func() bool { return relay.forwarded("remote-peer") == 1 }, time.Second, 10*time.Millisecond)

	a.write(offer("missing-everywhere"))
	assert.Equal(t, MessageExpire, a.read().Type)

	a.conn.Close()
	assert.Eventually(t, func() bool { return !relay.isRegistered(a.id) }, time.Second, 10*time.Millisecond)
}

func TestBroker_DeliverLocal(t *testing.T) {
	b, srv := newTestBroker(t, BrokerConfig{}, nil)
	a := dial(t, srv)

	frame, _ := json.Marshal(Envelope{Type: MessageLeave, Src: "elsewhere", Dst: a.id})
	assert.NoError(t, b.DeliverLocal(a.id, frame))
	assert.ErrorIs(t, b.DeliverLocal("absent", frame), domain.ErrPeerNotFound)

	got := a.read()
	assert.Equal(t, MessageLeave, got.Type)
	assert.Equal(t, domain.PeerID("elsewhere"), got.Src)
}

// addStalledPeer registers a peer whose send buffer is already full and
// never drains.
func addStalledPeer(b *Broker, id domain.PeerID) *client {
	c := &client{id: id, send: make(chan []byte, 1), done: make(chan struct{})}
	c.send <- []byte(`{"type":"heartbeat"}`)
	b.mu.Lock()
	b.clients[id] = c
	b.mu.Unlock()
	return c
}

func TestBroker_DeliverLocalReportsFullBuffer(t *testing.T) {
	b, _ := newTestBroker(t, BrokerConfig{}, nil)
	addStalledPeer(b, "stalled-peer")

	err := b.DeliverLocal("stalled-peer", []byte(`{}`))
	assert.ErrorIs(t, err, ErrSendBufferFull)
	assert.NotErrorIs(t, err, domain.ErrPeerNotFound)
}

func TestBroker_SlowDestinationGetsErrorNotExpire(t *testing.T) {
	relay := newFakeRelay("stalled-peer")
	b, srv := newTestBroker(t, BrokerConfig{}, relay)
	stalled := addStalledPeer(b, "stalled-peer")
	a := dial(t, srv)

	a.write(offer("stalled-peer"))

	got := a.read()
	assert.Equal(t, MessageError, got.Type)
	assert.Equal(t, domain.PeerID("stalled-peer"), got.Dst)
	assert.Equal(t, 0, relay.forwarded("stalled-peer"), "a held peer is never relayed elsewhere")
	assert.Len(t, stalled.send, 1)
	assert.Equal(t, 2, b.ConnectedPeers())
}

func TestBroker_CheckOrigin(t *testing.T) {
	b := NewBroker(BrokerConfig{AllowedOrigins: []string{"https://party.example.com"}}, nil, nil, zaptest.NewLogger(t).Sugar())

	req := httptest.NewRequest("GET", "/peerjs", nil)
	assert.True(t, b.checkOrigin(req))

	req.Header.Set("Origin", "https://party.example.com")
	assert.True(t, b.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, b.checkOrigin(req))
}
