package distributed

import (
	"context"
	"fmt"

	"watchparty/internal/core/domain"
)

// SignalRelay lets a broker reach peers connected to other instances.
type SignalRelay struct {
	registry *SharedPeerRegistry
	bus      *EventBus
}

func NewSignalRelay(registry *SharedPeerRegistry, bus *EventBus) *SignalRelay {
	return &SignalRelay{registry: registry, bus: bus}
}

func (r *SignalRelay) Register(ctx context.Context, peerID domain.PeerID) error {
	return r.registry.Register(ctx, peerID)
}

func (r *SignalRelay) Unregister(ctx context.Context, peerID domain.PeerID) error {
	return r.registry.Unregister(ctx, peerID)
}

// Forward returns domain.ErrPeerNotFound when no instance holds dst.
func (r *SignalRelay) Forward(ctx context.Context, dst domain.PeerID, frame []byte) error {
	instance, err := r.registry.Lookup(ctx, dst)
	if err != nil {
		return err
	}
	if instance == r.bus.InstanceID() {
		// registration outlived the local socket
		return domain.ErrPeerNotFound
	}
	if err := r.bus.PublishSignal(ctx, instance, dst, frame); err != nil {
		return fmt.Errorf("relay to %s: %w", instance, err)
	}
	return nil
}
