package webrtc

import (
	"sync"

	"watchparty/internal/core/ports"
)

// eventQueue decouples pion callbacks from the consumer of Events. Pushes
// never block; close drops whatever is still queued.
type eventQueue struct {
	mu     sync.Mutex
	items  []ports.PeerEvent
	closed bool

	signal chan struct{}
	out    chan ports.PeerEvent
	done   chan struct{}
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan ports.PeerEvent),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev ports.PeerEvent) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) events() <-chan ports.PeerEvent { return q.out }

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

func (q *eventQueue) run() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = ports.PeerEvent{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}
