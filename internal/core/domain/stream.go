package domain

import (
	"fmt"
	"strings"
)

type PeerID string

// RoomID is the code viewers use to join a room. It is the creator's PeerID.
type RoomID string

type StreamKind string

const (
	StreamMicrophone StreamKind = "microphone"
	StreamWebcam     StreamKind = "webcam"
	StreamDisplay    StreamKind = "display"
)

// StreamKinds lists every kind in the order calls are placed to a new peer.
var StreamKinds = []StreamKind{StreamDisplay, StreamWebcam, StreamMicrophone}

func (k StreamKind) Valid() bool {
	switch k {
	case StreamMicrophone, StreamWebcam, StreamDisplay:
		return true
	}
	return false
}

// ParseStreamKind accepts the canonical names plus the aliases used by the
// party command loop ("mic", "voice", "cam", "screen").
func ParseStreamKind(s string) (StreamKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "microphone", "mic", "voice", "audio":
		return StreamMicrophone, nil
	case "webcam", "cam", "camera":
		return StreamWebcam, nil
	case "display", "screen", "share":
		return StreamDisplay, nil
	}
	return "", fmt.Errorf("unknown stream kind %q", s)
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// VideoConstraints are ideal values; zero means "any".
type VideoConstraints struct {
	Width      int    `json:"width,omitempty" yaml:"width"`
	Height     int    `json:"height,omitempty" yaml:"height"`
	FrameRate  int    `json:"frame_rate,omitempty" yaml:"frame_rate"`
	FacingMode string `json:"facing_mode,omitempty" yaml:"facing_mode"`
}

func (v VideoConstraints) IsAny() bool {
	return v.Width == 0 && v.Height == 0 && v.FrameRate == 0 && v.FacingMode == ""
}

type Constraints struct {
	Audio          bool              `json:"audio"`
	Video          *VideoConstraints `json:"video,omitempty"`
	DisplaySurface string            `json:"display_surface,omitempty"`
}

// DefaultConstraints returns the constraints a feature asks for first.
func DefaultConstraints(kind StreamKind) Constraints {
	switch kind {
	case StreamWebcam:
		return Constraints{Video: &VideoConstraints{Width: 640, Height: 480, FrameRate: 24, FacingMode: "user"}}
	case StreamDisplay:
		return Constraints{Audio: true, Video: &VideoConstraints{}}
	default:
		return Constraints{Audio: true}
	}
}

// MinimalConstraints is the relaxed request used for the webcam retry.
func MinimalConstraints(kind StreamKind) Constraints {
	switch kind {
	case StreamMicrophone:
		return Constraints{Audio: true}
	default:
		return Constraints{Video: &VideoConstraints{}}
	}
}

// Slot names a playback element a stream can be attached to.
type Slot string

func LocalSlot(kind StreamKind) Slot  { return Slot("local-" + string(kind)) }
func RemoteSlot(kind StreamKind) Slot { return Slot("remote-" + string(kind)) }
