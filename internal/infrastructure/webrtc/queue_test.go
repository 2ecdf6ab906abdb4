package webrtc

import (
	"testing"
	"time"

	"watchparty/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_PreservesOrderWithoutBlocking(t *testing.T) {
	q := newEventQueue()
	defer q.close()

	for i := 0; i < 100; i++ {
		require.True(t, q.push(ports.PeerEvent{Kind: ports.EventData, Data: []byte{byte(i)}}))
	}

	for i := 0; i < 100; i++ {
		select {
		case ev := <-q.events():
			assert.Equal(t, []byte{byte(i)}, ev.Data)
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestEventQueue_CloseWithPendingEvents(t *testing.T) {
	q := newEventQueue()
	q.push(ports.PeerEvent{Kind: ports.EventError})
	q.push(ports.PeerEvent{Kind: ports.EventError})

	q.close()
	q.close()
	assert.False(t, q.push(ports.PeerEvent{Kind: ports.EventData}))

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}
