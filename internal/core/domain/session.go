package domain

type SessionState int

const (
	StateIdle SessionState = iota
	StateEndpointReady
	StateSharing
	StateConnectedToRoom
	StateReceivingStreams
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEndpointReady:
		return "endpoint_ready"
	case StateSharing:
		return "sharing"
	case StateConnectedToRoom:
		return "connected_to_room"
	case StateReceivingStreams:
		return "receiving_streams"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Features are the optional per-session media features.
type Features struct {
	Webcam bool `yaml:"webcam"`
	Voice  bool `yaml:"voice"`
}
