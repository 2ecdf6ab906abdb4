package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/tracing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

const (
	// opusSampleRate is the Ogg granule clock for Opus.
	opusSampleRate = 48000
	facingUser     = "user"
)

// Devices maps each stream kind to a file standing in for the capture
// device. Video kinds read VP8 IVF files, the microphone reads Opus Ogg.
type Devices struct {
	Webcam     string
	Display    string
	Microphone string
}

func (d Devices) path(kind domain.StreamKind) string {
	switch kind {
	case domain.StreamWebcam:
		return d.Webcam
	case domain.StreamDisplay:
		return d.Display
	case domain.StreamMicrophone:
		return d.Microphone
	}
	return ""
}

// Capability is what a video device can deliver.
type Capability struct {
	Width     int
	Height    int
	FrameRate int
}

func (c Capability) satisfies(v *domain.VideoConstraints) bool {
	if v == nil {
		return true
	}
	if v.Width > c.Width || v.Height > c.Height {
		return false
	}
	if v.FrameRate > 0 && c.FrameRate > 0 && v.FrameRate > c.FrameRate {
		return false
	}
	if v.FacingMode != "" && v.FacingMode != facingUser {
		return false
	}
	return true
}

// Environment captures streams from file-backed devices.
type Environment struct {
	devices Devices
	logger  *zap.SugaredLogger
}

func NewEnvironment(devices Devices, logger *zap.SugaredLogger) *Environment {
	return &Environment{devices: devices, logger: logger}
}

// Probe reads the IVF header of a video device.
func (e *Environment) Probe(kind domain.StreamKind) (Capability, error) {
	path := e.devices.path(kind)
	if path == "" || kind == domain.StreamMicrophone {
		return Capability{}, domain.ErrDeviceNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %v", domain.ErrDeviceNotFound, err)
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return Capability{}, fmt.Errorf("read ivf header %s: %w", path, err)
	}
	return capabilityOf(header), nil
}

func capabilityOf(h *ivfreader.IVFFileHeader) Capability {
	c := Capability{Width: int(h.Width), Height: int(h.Height)}
	if h.TimebaseNumerator > 0 {
		c.FrameRate = int(h.TimebaseDenominator / h.TimebaseNumerator)
	}
	return c
}

// Capture opens the device for kind and starts pumping samples into fresh
// pion tracks. The pumps run until the tracks are stopped; ctx only bounds
// the open.
func (e *Environment) Capture(ctx context.Context, kind domain.StreamKind, constraints domain.Constraints) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, span := tracing.TraceMediaOperation(ctx, "capture", string(kind))
	defer span.End()

	if !kind.Valid() {
		return nil, fmt.Errorf("capture %q: %w", kind, domain.ErrDeviceNotFound)
	}

	streamID := fmt.Sprintf("%s-%s", kind, uuid.NewString())
	stream := &Stream{id: streamID, kind: kind}

	switch kind {
	case domain.StreamMicrophone:
		if !constraints.Audio {
			return nil, domain.ErrConstraintsNotSatisfied
		}
		track, err := e.openAudio(streamID)
		if err != nil {
			return nil, err
		}
		stream.tracks = append(stream.tracks, track)
	default:
		if constraints.Video == nil {
			return nil, domain.ErrConstraintsNotSatisfied
		}
		track, err := e.openVideo(kind, streamID, constraints.Video)
		if err != nil {
			return nil, err
		}
		stream.tracks = append(stream.tracks, track)
	}

	e.logger.Infow("Capture started",
		"kind", kind,
		"stream_id", streamID,
		"tracks", len(stream.tracks),
	)
	return stream, nil
}

func (e *Environment) openVideo(kind domain.StreamKind, streamID string, want *domain.VideoConstraints) (*Track, error) {
	path := e.devices.path(kind)
	if path == "" {
		return nil, domain.ErrDeviceNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceNotFound, err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ivf header %s: %w", path, err)
	}
	if !strings.EqualFold(header.FourCC, "VP80") {
		f.Close()
		return nil, fmt.Errorf("%s: unsupported codec %q: %w", path, header.FourCC, domain.ErrConstraintsNotSatisfied)
	}
	capability := capabilityOf(header)
	if !capability.satisfies(want) {
		f.Close()
		return nil, fmt.Errorf("%s offers %dx%d@%d: %w",
			kind, capability.Width, capability.Height, capability.FrameRate, domain.ErrConstraintsNotSatisfied)
	}

	rtc, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video-"+uuid.NewString(), streamID,
	)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	track := newTrack(rtc.ID(), domain.TrackVideo, rtc)

	frameDuration := time.Second / 30
	if header.TimebaseDenominator > 0 {
		frameDuration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	go e.pumpVideo(track, path, f, reader, frameDuration)
	return track, nil
}

func (e *Environment) openAudio(streamID string) (*Track, error) {
	path := e.devices.Microphone
	if path == "" {
		return nil, domain.ErrDeviceNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceNotFound, err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ogg header %s: %w", path, err)
	}

	rtc, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-"+uuid.NewString(), streamID,
	)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	track := newTrack(rtc.ID(), domain.TrackAudio, rtc)
	go e.pumpAudio(track, path, f, reader)
	return track, nil
}

// pumpVideo writes one frame per tick and rewinds at end of file.
func (e *Environment) pumpVideo(track *Track, path string, f *os.File, reader *ivfreader.IVFReader, frameDuration time.Duration) {
	defer func() { f.Close() }()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-track.done():
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			f.Close()
			if f, reader, err = reopenIVF(path); err != nil {
				e.logger.Warnw("Video device lost", "path", path, "error", err)
				track.Stop()
				return
			}
			continue
		}
		if err != nil {
			e.logger.Warnw("Failed to read video frame", "path", path, "error", err)
			track.Stop()
			return
		}

		if !track.Enabled() {
			continue
		}
		if err := track.rtc.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			e.logger.Debugw("Failed to write video sample", "track_id", track.id, "error", err)
			continue
		}
		track.written.Add(1)
	}
}

// pumpAudio paces Ogg pages by their granule positions.
func (e *Environment) pumpAudio(track *Track, path string, f *os.File, reader *oggreader.OggReader) {
	defer func() { f.Close() }()

	var lastGranule uint64
	wait := time.Duration(0)
	for {
		select {
		case <-track.done():
			return
		case <-time.After(wait):
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			f.Close()
			if f, reader, err = reopenOgg(path); err != nil {
				e.logger.Warnw("Audio device lost", "path", path, "error", err)
				track.Stop()
				return
			}
			lastGranule = 0
			wait = 0
			continue
		}
		if err != nil {
			e.logger.Warnw("Failed to read audio page", "path", path, "error", err)
			track.Stop()
			return
		}

		samples := header.GranulePosition - lastGranule
		if header.GranulePosition < lastGranule {
			samples = 0
		}
		lastGranule = header.GranulePosition
		wait = time.Duration(float64(samples) / opusSampleRate * float64(time.Second))

		if !track.Enabled() || wait == 0 {
			continue
		}
		if err := track.rtc.WriteSample(pionmedia.Sample{Data: page, Duration: wait}); err != nil {
			e.logger.Debugw("Failed to write audio sample", "track_id", track.id, "error", err)
			continue
		}
		track.written.Add(1)
	}
}

func reopenIVF(path string) (*os.File, *ivfreader.IVFReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	reader, _, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, reader, nil
}

func reopenOgg(path string) (*os.File, *oggreader.OggReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, reader, nil
}

var _ ports.MediaEnvironment = (*Environment)(nil)
