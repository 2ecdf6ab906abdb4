package media

import (
	"sync"
	"sync/atomic"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// Track is a captured track backed by a pion sample track. Disabling it
// keeps the source running but stops writing samples.
type Track struct {
	id   string
	kind domain.TrackKind
	rtc  *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool
	written atomic.Int64

	stop chan struct{}
	once sync.Once
}

func newTrack(id string, kind domain.TrackKind, rtc *webrtc.TrackLocalStaticSample) *Track {
	t := &Track{
		id:   id,
		kind: kind,
		rtc:  rtc,
		stop: make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string                  { return t.id }
func (t *Track) Kind() domain.TrackKind      { return t.kind }
func (t *Track) Enabled() bool               { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool)     { t.enabled.Store(enabled) }
func (t *Track) Stopped() bool               { return t.stopped.Load() }
func (t *Track) RTCTrack() webrtc.TrackLocal { return t.rtc }
func (t *Track) SamplesWritten() int64       { return t.written.Load() }
func (t *Track) done() <-chan struct{}       { return t.stop }

func (t *Track) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.stop)
	})
}

// Stream groups the tracks captured for one stream kind.
type Stream struct {
	id     string
	kind   domain.StreamKind
	tracks []*Track
}

func (s *Stream) ID() string              { return s.id }
func (s *Stream) Kind() domain.StreamKind { return s.kind }

func (s *Stream) Tracks() []ports.LocalTrack {
	out := make([]ports.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *Stream) AudioTracks() []ports.LocalTrack {
	out := make([]ports.LocalTrack, 0, 1)
	for _, t := range s.tracks {
		if t.kind == domain.TrackAudio {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

var _ ports.LocalStream = (*Stream)(nil)
