package ports

import (
	"context"

	"watchparty/internal/core/domain"
)

type MediaEnvironment interface {
	Capture(ctx context.Context, kind domain.StreamKind, constraints domain.Constraints) (LocalStream, error)
}

type MediaStream interface {
	ID() string
	Kind() domain.StreamKind
}

type LocalStream interface {
	MediaStream
	Tracks() []LocalTrack
	AudioTracks() []LocalTrack
	// Stop stops every track. Safe to call more than once.
	Stop()
}

type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
}

type RemoteStream interface {
	MediaStream
	Peer() domain.PeerID
}

// Display stands in for playback elements. Attach replaces whatever the slot
// shows; Detach clears the slot only while it still shows stream.
type Display interface {
	Attach(slot domain.Slot, stream MediaStream)
	Detach(slot domain.Slot, stream MediaStream)
}
