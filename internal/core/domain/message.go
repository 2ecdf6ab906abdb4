package domain

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MessageMicStatus        MessageType = "micStatus"
	MessageCheckLocalDevice MessageType = "checkLocalDevice"
	MessageIsLocalDevice    MessageType = "isLocalDevice"
)

// Message is a data-channel message. The set of implementations is closed:
// MicStatus, CheckLocalDevice and IsLocalDevice.
type Message interface {
	Type() MessageType
	message()
}

type MicStatus struct {
	IsMuted bool
	PeerID  PeerID
}

type CheckLocalDevice struct{}

type IsLocalDevice struct{}

func (MicStatus) Type() MessageType        { return MessageMicStatus }
func (CheckLocalDevice) Type() MessageType { return MessageCheckLocalDevice }
func (IsLocalDevice) Type() MessageType    { return MessageIsLocalDevice }

func (MicStatus) message()        {}
func (CheckLocalDevice) message() {}
func (IsLocalDevice) message()    {}

type wireMessage struct {
	Type    MessageType `json:"type"`
	IsMuted *bool       `json:"isMuted,omitempty"`
	PeerID  PeerID      `json:"peerId,omitempty"`
}

func EncodeMessage(m Message) ([]byte, error) {
	var w wireMessage
	switch v := m.(type) {
	case MicStatus:
		muted := v.IsMuted
		w = wireMessage{Type: MessageMicStatus, IsMuted: &muted, PeerID: v.PeerID}
	case CheckLocalDevice:
		w = wireMessage{Type: MessageCheckLocalDevice}
	case IsLocalDevice:
		w = wireMessage{Type: MessageIsLocalDevice}
	default:
		return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownMessage)
	}
	return json.Marshal(w)
}

func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch w.Type {
	case MessageMicStatus:
		if w.IsMuted == nil {
			return nil, fmt.Errorf("micStatus without isMuted: %w", ErrInvalidMessage)
		}
		return MicStatus{IsMuted: *w.IsMuted, PeerID: w.PeerID}, nil
	case MessageCheckLocalDevice:
		return CheckLocalDevice{}, nil
	case MessageIsLocalDevice:
		return IsLocalDevice{}, nil
	default:
		return nil, fmt.Errorf("message type %q: %w", w.Type, ErrUnknownMessage)
	}
}
