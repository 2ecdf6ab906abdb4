package services

import (
	"sync"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"

	"go.uber.org/zap"
)

type trackedConn struct {
	conn     ports.DataConn
	openedAt time.Time
}

// ConnectionRegistry is the ordered list of data connections of the local
// endpoint. A connection leaves the list when it closes.
type ConnectionRegistry struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	conns []*trackedConn
}

func NewConnectionRegistry(logger *zap.SugaredLogger) *ConnectionRegistry {
	return &ConnectionRegistry{logger: logger}
}

// Track appends conn and removes exactly that entry when it closes.
func (r *ConnectionRegistry) Track(conn ports.DataConn) {
	entry := &trackedConn{conn: conn, openedAt: time.Now()}

	r.mu.Lock()
	r.conns = append(r.conns, entry)
	count := len(r.conns)
	r.mu.Unlock()

	conn.OnClose(func() {
		r.remove(entry)
	})

	r.logger.Infow("Connection tracked",
		"connection_id", conn.ID(),
		"peer_id", conn.Peer(),
		"connections", count,
	)
}

func (r *ConnectionRegistry) remove(entry *trackedConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.conns {
		if c == entry {
			r.conns = append(r.conns[:i:i], r.conns[i+1:]...)
			r.logger.Infow("Connection removed",
				"connection_id", entry.conn.ID(),
				"peer_id", entry.conn.Peer(),
				"connections", len(r.conns),
			)
			return
		}
	}
}

// Broadcast sends msg to every open connection and returns how many sends
// succeeded. A failed send is logged and skipped.
func (r *ConnectionRegistry) Broadcast(msg domain.Message) int {
	data, err := domain.EncodeMessage(msg)
	if err != nil {
		r.logger.Errorw("Failed to encode broadcast", "type", msg.Type(), "error", err)
		return 0
	}

	delivered := 0
	for _, entry := range r.snapshot() {
		if !entry.conn.IsOpen() {
			continue
		}
		if err := entry.conn.Send(data); err != nil {
			sendErr := &domain.SendError{Peer: entry.conn.Peer(), Cause: err}
			r.logger.Warnw("Broadcast send failed",
				"type", msg.Type(),
				"connection_id", entry.conn.ID(),
				"error", sendErr,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Send delivers msg on every open connection to peer.
func (r *ConnectionRegistry) Send(peer domain.PeerID, msg domain.Message) error {
	data, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}

	sent := false
	for _, entry := range r.snapshot() {
		if entry.conn.Peer() != peer || !entry.conn.IsOpen() {
			continue
		}
		if err := entry.conn.Send(data); err != nil {
			return &domain.SendError{Peer: peer, Cause: err}
		}
		sent = true
	}
	if !sent {
		return &domain.SendError{Peer: peer, Cause: domain.ErrPeerNotFound}
	}
	return nil
}

// CloseAll closes every connection and empties the registry.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()

	for _, entry := range conns {
		if err := entry.conn.Close(); err != nil {
			r.logger.Warnw("Error closing connection",
				"connection_id", entry.conn.ID(),
				"error", err,
			)
		}
	}
}

func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Peers returns the distinct remote peers in tracking order.
func (r *ConnectionRegistry) Peers() []domain.PeerID {
	seen := make(map[domain.PeerID]bool)
	var peers []domain.PeerID
	for _, entry := range r.snapshot() {
		id := entry.conn.Peer()
		if !seen[id] {
			seen[id] = true
			peers = append(peers, id)
		}
	}
	return peers
}

// Connections returns a read-only view of the tracked connections.
func (r *ConnectionRegistry) Connections() []domain.Connection {
	entries := r.snapshot()
	out := make([]domain.Connection, 0, len(entries))
	for _, entry := range entries {
		out = append(out, domain.Connection{
			ID:       entry.conn.ID(),
			Peer:     entry.conn.Peer(),
			Type:     domain.ConnectionData,
			Open:     entry.conn.IsOpen(),
			OpenedAt: entry.openedAt,
		})
	}
	return out
}

func (r *ConnectionRegistry) snapshot() []*trackedConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*trackedConn, len(r.conns))
	copy(out, r.conns)
	return out
}
