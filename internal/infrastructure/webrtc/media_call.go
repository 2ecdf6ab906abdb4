package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/internal/infrastructure/media"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const keyframeInterval = 3 * time.Second

var (
	ErrNotIncoming     = errors.New("call was not received")
	ErrAlreadyAnswered = errors.New("call already answered")
	ErrNoSendableTrack = errors.New("stream has no sendable track")
)

// rtcTrack is implemented by local tracks that can be sent over pion.
type rtcTrack interface {
	RTCTrack() webrtc.TrackLocal
}

// MediaCall carries one stream kind on its own peer connection.
type MediaCall struct {
	*link
	incoming bool

	mu       sync.Mutex
	answered bool
	stream   *RemoteStream
}

func (c *MediaCall) base() *link { return c.link }

func (c *MediaCall) ID() string              { return c.id }
func (c *MediaCall) Peer() domain.PeerID     { return c.remote }
func (c *MediaCall) Kind() domain.StreamKind { return c.kind }

// Answer accepts an incoming call. A nil stream answers receive-only.
func (c *MediaCall) Answer(stream ports.LocalStream) error {
	if !c.incoming {
		return ErrNotIncoming
	}
	c.mu.Lock()
	if c.answered {
		c.mu.Unlock()
		return ErrAlreadyAnswered
	}
	c.answered = true
	c.mu.Unlock()

	if c.isClosed() {
		return domain.ErrConnectionClosed
	}
	if stream != nil {
		if err := c.addStream(stream); err != nil {
			return err
		}
	}
	if err := c.answer(); err != nil {
		return fmt.Errorf("answer call %s: %w", c.id, err)
	}
	return nil
}

func (c *MediaCall) Close() error {
	c.peer.closeLink(c.id, true)
	return nil
}

func (c *MediaCall) addStream(stream ports.LocalStream) error {
	added := 0
	for _, track := range stream.Tracks() {
		t, ok := track.(rtcTrack)
		if !ok {
			continue
		}
		sender, err := c.pc.AddTrack(t.RTCTrack())
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go c.readSenderRTCP(sender)
		added++
	}
	if added == 0 {
		return ErrNoSendableTrack
	}
	return nil
}

// readSenderRTCP drains feedback for a sent track until the sender stops.
func (c *MediaCall) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					c.peer.logger.Debugw("Received receiver report",
						"connection_id", c.id,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			case *rtcp.TransportLayerNack:
				c.peer.logger.Debugw("Received NACK", "connection_id", c.id, "nacks", len(p.Nacks))
			case *rtcp.PictureLossIndication:
				c.peer.logger.Debugw("Received PLI", "connection_id", c.id)
			}
		}
	}
}

func (c *MediaCall) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.mu.Lock()
	first := c.stream == nil
	if first {
		c.stream = &RemoteStream{id: c.id, peer: c.remote, kind: c.kind}
	}
	stream := c.stream
	c.mu.Unlock()

	c.peer.logger.Infow("Remote track started",
		"connection_id", c.id,
		"remote", c.remote,
		"kind", c.kind,
		"codec", track.Codec().MimeType,
	)
	if first {
		c.peer.emit(ports.PeerEvent{Kind: ports.EventStream, Call: c, Stream: stream})
	}

	kind := domain.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
		go c.requestKeyframes(track.SSRC())
	}

	mimeType := track.Codec().MimeType
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		stream.deliver(kind, mimeType, pkt)
	}
}

// requestKeyframes sends a PLI periodically so late joiners get a picture.
func (c *MediaCall) requestKeyframes(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}); err != nil {
				return
			}
		}
	}
}

func (c *MediaCall) teardown() {
	if !c.markClosed() {
		return
	}
	c.closePC()

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream != nil {
		stream.SetPacketSink(nil)
	}
	c.peer.emit(ports.PeerEvent{Kind: ports.EventCallClose, Call: c})
}

// RemoteStream is what a call receives. Packets go to the sink set by the
// display, or nowhere.
type RemoteStream struct {
	id   string
	peer domain.PeerID
	kind domain.StreamKind

	mu      sync.Mutex
	sink    media.PacketSink
	packets atomic.Int64
}

func (s *RemoteStream) ID() string              { return s.id }
func (s *RemoteStream) Kind() domain.StreamKind { return s.kind }
func (s *RemoteStream) Peer() domain.PeerID     { return s.peer }
func (s *RemoteStream) Packets() int64          { return s.packets.Load() }

func (s *RemoteStream) SetPacketSink(sink media.PacketSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *RemoteStream) deliver(kind domain.TrackKind, mimeType string, pkt *rtp.Packet) {
	s.packets.Add(1)

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(kind, mimeType, pkt)
	}
}

var (
	_ ports.MediaCall    = (*MediaCall)(nil)
	_ ports.RemoteStream = (*RemoteStream)(nil)
	_ media.PacketSource = (*RemoteStream)(nil)
)
