package services

import (
	"context"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/retry"

	"go.uber.org/zap"
)

const DefaultCaptureRetryDelay = time.Second

// MediaCapture acquires local streams from the media environment and shows
// them in the local preview slot of their kind.
type MediaCapture struct {
	env        ports.MediaEnvironment
	display    ports.Display
	retryDelay time.Duration
	logger     *zap.SugaredLogger
}

func NewMediaCapture(env ports.MediaEnvironment, display ports.Display, retryDelay time.Duration, logger *zap.SugaredLogger) *MediaCapture {
	if display == nil {
		display = NopDisplay{}
	}
	return &MediaCapture{
		env:        env,
		display:    display,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Acquire captures a stream of kind. A failed webcam request is retried once
// with minimal constraints after the retry delay; other kinds fail at once.
func (c *MediaCapture) Acquire(ctx context.Context, kind domain.StreamKind, constraints domain.Constraints) (ports.LocalStream, error) {
	cfg := retry.Config{Enabled: false}
	if kind == domain.StreamWebcam {
		cfg = retry.Fixed(c.retryDelay, 1)
	}

	stream, err := retry.Do(ctx, cfg, func(attempt int) (ports.LocalStream, error) {
		request := constraints
		if attempt > 0 {
			request = domain.MinimalConstraints(kind)
			c.logger.Infow("Retrying capture with minimal constraints", "kind", kind)
		}

		s, err := c.env.Capture(ctx, kind, request)
		if err != nil {
			c.logger.Warnw("Capture attempt failed", "kind", kind, "attempt", attempt+1, "error", err)
		}
		return s, err
	})
	if err != nil {
		return nil, &domain.CaptureError{Kind: kind, Cause: err}
	}

	c.display.Attach(domain.LocalSlot(kind), stream)
	c.logger.Infow("Stream acquired", "kind", kind, "stream_id", stream.ID())
	return stream, nil
}

// Release stops every track of stream and clears its preview slot unless a
// newer stream took it over. Nil and already released streams are fine.
func (c *MediaCapture) Release(stream ports.LocalStream) {
	if stream == nil {
		return
	}
	stream.Stop()
	c.display.Detach(domain.LocalSlot(stream.Kind()), stream)
	c.logger.Infow("Stream released", "kind", stream.Kind(), "stream_id", stream.ID())
}

// NopDisplay discards attach and detach requests.
type NopDisplay struct{}

func (NopDisplay) Attach(domain.Slot, ports.MediaStream) {}
func (NopDisplay) Detach(domain.Slot, ports.MediaStream) {}
