package services

import (
	"context"
	"sync"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"

	"go.uber.org/zap"
)

// Endpoint owns the local identity on the peer platform. It is created
// explicitly and shared by reference between the components of a session.
type Endpoint struct {
	platform ports.PeerPlatform
	logger   *zap.SugaredLogger

	mu   sync.Mutex
	peer ports.PlatformPeer
}

func NewEndpoint(platform ports.PeerPlatform, logger *zap.SugaredLogger) *Endpoint {
	return &Endpoint{
		platform: platform,
		logger:   logger,
	}
}

// Initialize opens an identity on first use and returns the existing one on
// every later call. Concurrent callers wait for the same open.
func (e *Endpoint) Initialize(ctx context.Context) (domain.PeerID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.peer != nil {
		return e.peer.ID(), nil
	}

	peer, err := e.platform.Open(ctx)
	if err != nil {
		e.logger.Errorw("Failed to open peer endpoint", "error", err)
		return "", &domain.EndpointError{Cause: err}
	}

	e.peer = peer
	e.logger.Infow("Peer endpoint open", "peer_id", peer.ID())
	return peer.ID(), nil
}

// Current returns the identity if the endpoint is initialized.
func (e *Endpoint) Current() (domain.PeerID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.peer == nil {
		return "", false
	}
	return e.peer.ID(), true
}

// Peer returns the platform peer or ErrEndpointNotReady.
func (e *Endpoint) Peer() (ports.PlatformPeer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.peer == nil {
		return nil, domain.ErrEndpointNotReady
	}
	return e.peer, nil
}

// Teardown releases the identity. Initialize must be called again before
// the endpoint can be used.
func (e *Endpoint) Teardown() {
	e.mu.Lock()
	peer := e.peer
	e.peer = nil
	e.mu.Unlock()

	if peer == nil {
		return
	}
	if err := peer.Close(); err != nil {
		e.logger.Warnw("Error closing peer endpoint", "peer_id", peer.ID(), "error", err)
		return
	}
	e.logger.Infow("Peer endpoint closed", "peer_id", peer.ID())
}
