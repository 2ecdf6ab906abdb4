package distributed

import (
	"context"
	"fmt"
	"time"

	"watchparty/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultPeerTTL = 5 * time.Minute

// SharedPeerRegistry records which instance holds each broker connection.
type SharedPeerRegistry struct {
	client     *redis.Client
	instanceID string
	prefix     string
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

func NewSharedPeerRegistry(client *redis.Client, instanceID, prefix string, logger *zap.SugaredLogger) *SharedPeerRegistry {
	return &SharedPeerRegistry{
		client:     client,
		instanceID: instanceID,
		prefix:     prefix,
		ttl:        DefaultPeerTTL,
		logger:     logger,
	}
}

// Register claims peerID for this instance. Calling it again refreshes the TTL.
func (r *SharedPeerRegistry) Register(ctx context.Context, peerID domain.PeerID) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.peerKey(peerID), r.instanceID, r.ttl)
	pipe.SAdd(ctx, r.instancePeersKey(r.instanceID), string(peerID))
	pipe.Expire(ctx, r.instancePeersKey(r.instanceID), 2*r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register peer: %w", err)
	}
	return nil
}

func (r *SharedPeerRegistry) Unregister(ctx context.Context, peerID domain.PeerID) error {
	owner, err := r.client.Get(ctx, r.peerKey(peerID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get peer: %w", err)
	}
	// a reconnect may have moved the peer to another instance
	if owner != r.instanceID {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.peerKey(peerID))
	pipe.SRem(ctx, r.instancePeersKey(r.instanceID), string(peerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister peer: %w", err)
	}
	return nil
}

// Lookup returns the instance holding peerID, or domain.ErrPeerNotFound.
func (r *SharedPeerRegistry) Lookup(ctx context.Context, peerID domain.PeerID) (string, error) {
	owner, err := r.client.Get(ctx, r.peerKey(peerID)).Result()
	if err == redis.Nil {
		return "", domain.ErrPeerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up peer: %w", err)
	}
	return owner, nil
}

// CleanupInstance drops every registration this instance holds. Used on
// shutdown.
func (r *SharedPeerRegistry) CleanupInstance(ctx context.Context) error {
	key := r.instancePeersKey(r.instanceID)
	peerIDs, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to get instance peers: %w", err)
	}

	for _, id := range peerIDs {
		if err := r.Unregister(ctx, domain.PeerID(id)); err != nil {
			r.logger.Warnw("failed to unregister peer during cleanup",
				"peer_id", id,
				"error", err,
			)
		}
	}
	return r.client.Del(ctx, key).Err()
}

func (r *SharedPeerRegistry) peerKey(peerID domain.PeerID) string {
	return r.prefix + "peer:" + string(peerID)
}

func (r *SharedPeerRegistry) instancePeersKey(instanceID string) string {
	return r.prefix + "instance:" + instanceID + ":peers"
}
