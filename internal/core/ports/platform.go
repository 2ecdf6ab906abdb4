package ports

import (
	"context"

	"watchparty/internal/core/domain"
)

// PeerPlatform hands out peer identities. Open blocks until the platform has
// assigned an identity or failed.
type PeerPlatform interface {
	Open(ctx context.Context) (PlatformPeer, error)
}

// PlatformPeer is one identity on the peer platform.
type PlatformPeer interface {
	ID() domain.PeerID
	Connect(ctx context.Context, remote domain.PeerID) (DataConn, error)
	Call(ctx context.Context, remote domain.PeerID, stream LocalStream) (MediaCall, error)
	// Events is closed once the peer is closed.
	Events() <-chan PeerEvent
	Close() error
}

// DataConn is a message channel to one remote peer.
type DataConn interface {
	ID() string
	Peer() domain.PeerID
	IsOpen() bool
	Send(data []byte) error
	// OnClose registers an observer called once when the connection closes.
	OnClose(fn func())
	Close() error
}

// MediaCall carries one stream kind between two peers.
type MediaCall interface {
	ID() string
	Peer() domain.PeerID
	Kind() domain.StreamKind
	// Answer accepts an incoming call, sending stream back when non-nil.
	Answer(stream LocalStream) error
	Close() error
}

type EventKind int

const (
	EventConnection EventKind = iota
	EventConnectionOpen
	EventData
	EventConnectionClose
	EventCall
	EventStream
	EventCallClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnection:
		return "connection"
	case EventConnectionOpen:
		return "open"
	case EventData:
		return "data"
	case EventConnectionClose:
		return "close"
	case EventCall:
		return "call"
	case EventStream:
		return "stream"
	case EventCallClose:
		return "call_close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// PeerEvent is delivered by a PlatformPeer. Which fields are set depends on
// Kind: Conn for connection events, Call and Stream for call events, Data for
// EventData and Err for EventError.
type PeerEvent struct {
	Kind   EventKind
	Conn   DataConn
	Call   MediaCall
	Stream RemoteStream
	Data   []byte
	Err    error
}
