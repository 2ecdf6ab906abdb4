package services

import (
	"sync"
	"testing"

	"watchparty/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T, n int) (*ConnectionRegistry, []*fakeConn) {
	t.Helper()
	registry := NewConnectionRegistry(zaptest.NewLogger(t).Sugar())
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn(string(rune('a'+i)), domain.PeerID("viewer-"+string(rune('a'+i))))
		registry.Track(conns[i])
	}
	return registry, conns
}

func TestRegistry_BroadcastSkipsFailingConnection(t *testing.T) {
	registry, conns := newTestRegistry(t, 4)
	conns[1].sendErr = errSendFailed

	delivered := registry.Broadcast(domain.MicStatus{IsMuted: true, PeerID: "host"})

	assert.Equal(t, 3, delivered)
	for i, c := range conns {
		if i == 1 {
			assert.Empty(t, c.Sent())
			continue
		}
		require.Len(t, c.Sent(), 1)
		assert.Equal(t, domain.MicStatus{IsMuted: true, PeerID: "host"}, c.Sent()[0])
	}
}

func TestRegistry_BroadcastSkipsClosedConnections(t *testing.T) {
	registry, conns := newTestRegistry(t, 2)
	conns[0].mu.Lock()
	conns[0].open = false
	conns[0].mu.Unlock()

	assert.Equal(t, 1, registry.Broadcast(domain.CheckLocalDevice{}))
	assert.Empty(t, conns[0].Sent())
}

func TestRegistry_CloseRemovesExactlyThatConnection(t *testing.T) {
	registry, conns := newTestRegistry(t, 3)

	require.NoError(t, conns[1].Close())

	assert.Equal(t, 2, registry.Len())
	got := registry.Connections()
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)

	// a second close signal is not a second removal
	require.NoError(t, conns[1].Close())
	assert.Equal(t, 2, registry.Len())
}

func TestRegistry_SimultaneousClosesEachRemoveOne(t *testing.T) {
	registry, conns := newTestRegistry(t, 20)

	var wg sync.WaitGroup
	for i := len(conns) - 1; i >= 0; i -= 2 {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			_ = c.Close()
		}(conns[i])
	}
	wg.Wait()

	assert.Equal(t, 10, registry.Len())
	for _, c := range registry.Connections() {
		assert.True(t, c.Open)
	}
}

func TestRegistry_SameConnectionTrackedTwice(t *testing.T) {
	registry := NewConnectionRegistry(zaptest.NewLogger(t).Sugar())
	conn := newFakeConn("dup", "viewer")
	registry.Track(conn)
	registry.Track(conn)
	require.Equal(t, 2, registry.Len())

	_ = conn.Close()
	assert.Equal(t, 0, registry.Len())
}

func TestRegistry_CloseAllIsIdempotent(t *testing.T) {
	registry, conns := newTestRegistry(t, 3)

	registry.CloseAll()
	registry.CloseAll()

	assert.Equal(t, 0, registry.Len())
	for _, c := range conns {
		assert.False(t, c.IsOpen())
	}
}

func TestRegistry_PeersAndSend(t *testing.T) {
	registry := NewConnectionRegistry(zaptest.NewLogger(t).Sugar())
	a1 := newFakeConn("1", "a")
	b := newFakeConn("2", "b")
	a2 := newFakeConn("3", "a")
	registry.Track(a1)
	registry.Track(b)
	registry.Track(a2)

	assert.Equal(t, []domain.PeerID{"a", "b"}, registry.Peers())

	require.NoError(t, registry.Send("a", domain.IsLocalDevice{}))
	assert.Len(t, a1.Sent(), 1)
	assert.Len(t, a2.Sent(), 1)
	assert.Empty(t, b.Sent())

	err := registry.Send("zzz", domain.IsLocalDevice{})
	var sendErr *domain.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
}
