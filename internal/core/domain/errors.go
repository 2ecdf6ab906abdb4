package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPeerNotFound            = errors.New("peer not found")
	ErrRoomNotFound            = errors.New("room not found")
	ErrEndpointNotReady        = errors.New("endpoint not initialized")
	ErrUnknownMessage          = errors.New("unknown message type")
	ErrInvalidMessage          = errors.New("invalid message")
	ErrShareNotAllowed         = errors.New("share not allowed for role")
	ErrNoMicrophone            = errors.New("microphone not active")
	ErrEmptyComment            = errors.New("comment text is empty")
	ErrStreamNotStarted        = errors.New("stream has not started")
	ErrSessionClosed           = errors.New("session closed")
	ErrConnectionClosed        = errors.New("connection closed")
	ErrDeviceNotFound          = errors.New("capture device not found")
	ErrConstraintsNotSatisfied = errors.New("constraints cannot be satisfied")
)

// EndpointError reports that a peer identity could not be established.
type EndpointError struct {
	Cause error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint error: %v", e.Cause)
}

func (e *EndpointError) Unwrap() error { return e.Cause }

// CaptureError reports that no stream could be acquired for a kind, after
// the relaxed retry where one applies.
type CaptureError struct {
	Kind  StreamKind
	Cause error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Kind, e.Cause)
}

func (e *CaptureError) Unwrap() error { return e.Cause }

// SendError reports a failed delivery to a single peer.
type SendError struct {
	Peer  PeerID
	Cause error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Peer, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// PersistenceError reports a failed comment append or subscription.
type PersistenceError struct {
	Op    string
	Room  RoomID
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("comment %s for room %s: %v", e.Op, e.Room, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
