package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"go.uber.org/zap"
)

// PacketSink receives RTP packets read from a remote track.
type PacketSink func(kind domain.TrackKind, mimeType string, pkt *rtp.Packet)

// PacketSource is implemented by remote streams that can hand their packets
// to a sink. A nil sink drops packets.
type PacketSource interface {
	SetPacketSink(sink PacketSink)
}

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// SlotStats describes what a slot has played.
type SlotStats struct {
	StreamID string
	Packets  int64
	Bytes    int64
}

type slot struct {
	stream  ports.MediaStream
	stats   SlotStats
	writers map[domain.TrackKind]rtpWriter
}

// PlaybackSink implements ports.Display. Received packets are counted per
// slot and, when outputDir is set, recorded to IVF (VP8) or Ogg (Opus).
type PlaybackSink struct {
	outputDir string
	logger    *zap.SugaredLogger

	mu    sync.Mutex
	slots map[domain.Slot]*slot
}

func NewPlaybackSink(outputDir string, logger *zap.SugaredLogger) *PlaybackSink {
	return &PlaybackSink{
		outputDir: outputDir,
		logger:    logger,
		slots:     make(map[domain.Slot]*slot),
	}
}

func (p *PlaybackSink) Attach(name domain.Slot, stream ports.MediaStream) {
	p.mu.Lock()
	old := p.slots[name]
	s := &slot{
		stream:  stream,
		stats:   SlotStats{StreamID: stream.ID()},
		writers: make(map[domain.TrackKind]rtpWriter),
	}
	p.slots[name] = s
	p.mu.Unlock()

	if old != nil {
		p.release(old)
	}
	if src, ok := stream.(PacketSource); ok {
		src.SetPacketSink(func(kind domain.TrackKind, mimeType string, pkt *rtp.Packet) {
			p.consume(name, s, kind, mimeType, pkt)
		})
	}

	p.logger.Infow("Stream attached", "slot", name, "stream_id", stream.ID())
}

// Detach releases the slot if it still plays stream.
func (p *PlaybackSink) Detach(name domain.Slot, stream ports.MediaStream) {
	p.mu.Lock()
	s, ok := p.slots[name]
	if !ok || s.stream.ID() != stream.ID() {
		p.mu.Unlock()
		return
	}
	delete(p.slots, name)
	p.mu.Unlock()

	p.release(s)
	p.logger.Infow("Stream detached", "slot", name, "stream_id", s.stats.StreamID)
}

// Attached returns the stream in a slot, if any.
func (p *PlaybackSink) Attached(name domain.Slot) (ports.MediaStream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[name]
	if !ok {
		return nil, false
	}
	return s.stream, true
}

func (p *PlaybackSink) Stats(name domain.Slot) (SlotStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[name]
	if !ok {
		return SlotStats{}, false
	}
	return s.stats, true
}

// Close detaches every slot.
func (p *PlaybackSink) Close() {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[domain.Slot]*slot)
	p.mu.Unlock()

	for _, s := range slots {
		p.release(s)
	}
}

func (p *PlaybackSink) release(s *slot) {
	if src, ok := s.stream.(PacketSource); ok {
		src.SetPacketSink(nil)
	}

	p.mu.Lock()
	writers := s.writers
	s.writers = make(map[domain.TrackKind]rtpWriter)
	p.mu.Unlock()

	for kind, w := range writers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			p.logger.Warnw("Failed to close recording", "stream_id", s.stats.StreamID, "kind", kind, "error", err)
		}
	}
}

func (p *PlaybackSink) consume(name domain.Slot, s *slot, kind domain.TrackKind, mimeType string, pkt *rtp.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slots[name] != s {
		return
	}
	s.stats.Packets++
	s.stats.Bytes += int64(len(pkt.Payload))

	if p.outputDir == "" {
		return
	}
	w, ok := s.writers[kind]
	if !ok {
		var err error
		if w, err = p.openWriter(name, mimeType); err != nil {
			p.logger.Warnw("Recording disabled for slot", "slot", name, "error", err)
			w = nil
		}
		s.writers[kind] = w
	}
	if w == nil {
		return
	}
	if err := w.WriteRTP(pkt); err != nil {
		p.logger.Debugw("Failed to record packet", "slot", name, "error", err)
	}
}

func (p *PlaybackSink) openWriter(name domain.Slot, mimeType string) (rtpWriter, error) {
	base := filepath.Join(p.outputDir, string(name))
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return ivfwriter.New(base + ".ivf")
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		return oggwriter.New(base+".ogg", opusSampleRate, 2)
	}
	return nil, fmt.Errorf("no recorder for %s", mimeType)
}

var _ ports.Display = (*PlaybackSink)(nil)
