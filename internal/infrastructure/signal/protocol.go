package signal

import (
	"encoding/json"

	"watchparty/internal/core/domain"
)

type MessageType string

const (
	// server to client
	MessageOpen   MessageType = "open"
	MessageExpire MessageType = "expire"
	MessageError  MessageType = "error"

	// relayed between clients
	MessageOffer     MessageType = "offer"
	MessageAnswer    MessageType = "answer"
	MessageCandidate MessageType = "candidate"
	MessageLeave     MessageType = "leave"

	MessageHeartbeat MessageType = "heartbeat"
)

// Envelope is one broker frame. Src is stamped by the broker; whatever a
// client puts there is overwritten.
type Envelope struct {
	Type    MessageType   `json:"type"`
	Src     domain.PeerID `json:"src,omitempty"`
	Dst     domain.PeerID `json:"dst,omitempty"`
	PeerID  domain.PeerID `json:"peer_id,omitempty"`
	Message string        `json:"message,omitempty"`
	Payload *Payload      `json:"payload,omitempty"`
}

// Payload describes the negotiation step of one connection. Each data
// connection and each media call negotiates separately, keyed by
// ConnectionID.
type Payload struct {
	ConnectionID   string                `json:"connection_id"`
	ConnectionType domain.ConnectionType `json:"connection_type"`
	StreamKind     domain.StreamKind     `json:"stream_kind,omitempty"`
	SDP            string                `json:"sdp,omitempty"`
	Candidate      json.RawMessage       `json:"candidate,omitempty"`
}

func (t MessageType) relayed() bool {
	switch t {
	case MessageOffer, MessageAnswer, MessageCandidate, MessageLeave:
		return true
	}
	return false
}
