package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewPeerID returns a broker-assigned peer identifier.
func NewPeerID() string {
	return uuid.NewString()
}

// NewConnectionID returns an identifier for a data connection or media call.
func NewConnectionID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewCommentID returns a comment identifier.
func NewCommentID() string {
	return uuid.NewString()
}

// NewRoomCode returns a short shareable room code.
func NewRoomCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// NewRequestID returns a request identifier for logs.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}
