package domain

import "time"

type ConnectionType string

const (
	ConnectionData  ConnectionType = "data"
	ConnectionMedia ConnectionType = "media"
)

// Connection is a read-only view of a channel between the local endpoint and
// one remote peer.
type Connection struct {
	ID       string
	Peer     PeerID
	Type     ConnectionType
	Open     bool
	OpenedAt time.Time
}
