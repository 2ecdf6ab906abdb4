package services

import (
	"context"
	"testing"
	"time"

	"watchparty/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCapture_WebcamFallsBackToMinimalConstraintsOnce(t *testing.T) {
	env := newFakeEnv()
	env.failures[domain.StreamWebcam] = 2
	capture := NewMediaCapture(env, nil, 20*time.Millisecond, zaptest.NewLogger(t).Sugar())

	requested := domain.Constraints{Video: &domain.VideoConstraints{Width: 640, Height: 480, FrameRate: 24}}
	_, err := capture.Acquire(context.Background(), domain.StreamWebcam, requested)

	var captureErr *domain.CaptureError
	require.ErrorAs(t, err, &captureErr)
	assert.Equal(t, domain.StreamWebcam, captureErr.Kind)
	assert.ErrorIs(t, err, domain.ErrConstraintsNotSatisfied)

	reqs := env.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, requested, reqs[0].constraints)
	require.NotNil(t, reqs[1].constraints.Video)
	assert.True(t, reqs[1].constraints.Video.IsAny())
	assert.False(t, reqs[1].constraints.Audio)
	assert.GreaterOrEqual(t, reqs[1].at.Sub(reqs[0].at), 20*time.Millisecond)
}

func TestCapture_WebcamRetrySucceeds(t *testing.T) {
	env := newFakeEnv()
	env.failures[domain.StreamWebcam] = 1
	display := newFakeDisplay()
	capture := NewMediaCapture(env, display, time.Millisecond, zaptest.NewLogger(t).Sugar())

	stream, err := capture.Acquire(context.Background(), domain.StreamWebcam, domain.DefaultConstraints(domain.StreamWebcam))
	require.NoError(t, err)
	assert.Equal(t, domain.StreamWebcam, stream.Kind())
	assert.Len(t, env.Requests(), 2)

	attached, ok := display.Get(domain.LocalSlot(domain.StreamWebcam))
	require.True(t, ok)
	assert.Equal(t, stream.ID(), attached.ID())
}

func TestCapture_MicrophoneAndDisplayFailFast(t *testing.T) {
	for _, kind := range []domain.StreamKind{domain.StreamMicrophone, domain.StreamDisplay} {
		t.Run(string(kind), func(t *testing.T) {
			env := newFakeEnv()
			env.failures[kind] = 1
			capture := NewMediaCapture(env, nil, time.Hour, zaptest.NewLogger(t).Sugar())

			_, err := capture.Acquire(context.Background(), kind, domain.DefaultConstraints(kind))

			var captureErr *domain.CaptureError
			require.ErrorAs(t, err, &captureErr)
			assert.Len(t, env.Requests(), 1)
		})
	}
}

func TestCapture_RetryWaitHonorsCancellation(t *testing.T) {
	env := newFakeEnv()
	env.failures[domain.StreamWebcam] = 1
	capture := NewMediaCapture(env, nil, time.Hour, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := capture.Acquire(ctx, domain.StreamWebcam, domain.DefaultConstraints(domain.StreamWebcam))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, env.Requests(), 1)
}

func TestCapture_ReleaseStopsTracksAndIsIdempotent(t *testing.T) {
	env := newFakeEnv()
	display := newFakeDisplay()
	capture := NewMediaCapture(env, display, time.Millisecond, zaptest.NewLogger(t).Sugar())

	stream, err := capture.Acquire(context.Background(), domain.StreamDisplay, domain.DefaultConstraints(domain.StreamDisplay))
	require.NoError(t, err)

	capture.Release(stream)
	capture.Release(stream)
	capture.Release(nil)

	assert.True(t, stream.(*fakeStream).Stopped())
	_, ok := display.Get(domain.LocalSlot(domain.StreamDisplay))
	assert.False(t, ok)
}

func TestCapture_ReleasingOldStreamKeepsReplacementPreview(t *testing.T) {
	env := newFakeEnv()
	display := newFakeDisplay()
	capture := NewMediaCapture(env, display, time.Millisecond, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	constraints := domain.DefaultConstraints(domain.StreamWebcam)

	first, err := capture.Acquire(ctx, domain.StreamWebcam, constraints)
	require.NoError(t, err)
	capture.Release(first)

	second, err := capture.Acquire(ctx, domain.StreamWebcam, constraints)
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())

	capture.Release(first)

	shown, ok := display.Get(domain.LocalSlot(domain.StreamWebcam))
	require.True(t, ok)
	assert.Equal(t, second.ID(), shown.ID())
	assert.False(t, second.(*fakeStream).Stopped())
}
