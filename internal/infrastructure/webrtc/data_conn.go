package webrtc

import (
	"sync"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// DataConn is a data channel on its own peer connection.
type DataConn struct {
	*link

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	open      bool
	observers []func()
}

func (c *DataConn) base() *link { return c.link }

func (c *DataConn) ID() string          { return c.id }
func (c *DataConn) Peer() domain.PeerID { return c.remote }

func (c *DataConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *DataConn) Send(data []byte) error {
	c.mu.Lock()
	dc, open := c.dc, c.open
	c.mu.Unlock()

	if !open || dc == nil {
		return domain.ErrConnectionClosed
	}
	return dc.Send(data)
}

// OnClose runs fn once the connection closes, or right away if it already
// has.
func (c *DataConn) OnClose(fn func()) {
	if c.isClosed() {
		fn()
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()

	if c.isClosed() {
		c.runObservers()
	}
}

// Close tears the channel down and tells the remote side.
func (c *DataConn) Close() error {
	c.peer.closeLink(c.id, true)
	return nil
}

func (c *DataConn) bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		if c.isClosed() {
			return
		}
		c.mu.Lock()
		c.open = true
		c.mu.Unlock()
		c.peer.emit(ports.PeerEvent{Kind: ports.EventConnectionOpen, Conn: c})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.peer.emit(ports.PeerEvent{Kind: ports.EventData, Conn: c, Data: msg.Data})
	})
	dc.OnClose(func() {
		go c.peer.closeLink(c.id, false)
	})
}

func (c *DataConn) teardown() {
	if !c.markClosed() {
		return
	}
	c.mu.Lock()
	c.open = false
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	c.closePC()
	c.peer.emit(ports.PeerEvent{Kind: ports.EventConnectionClose, Conn: c})
	c.runObservers()
}

func (c *DataConn) runObservers() {
	c.mu.Lock()
	observers := c.observers
	c.observers = nil
	c.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

var _ ports.DataConn = (*DataConn)(nil)
