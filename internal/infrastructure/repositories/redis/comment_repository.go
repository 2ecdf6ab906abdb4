package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisCommentRepository keeps each room's comments in a sorted set scored by
// timestamp offset, so reads come back ordered.
type RedisCommentRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisCommentRepository(client *redis.Client, prefix string) ports.CommentRepository {
	if prefix == "" {
		prefix = "watchparty:"
	}
	return &RedisCommentRepository{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisCommentRepository) commentsKey(roomID domain.RoomID) string {
	return r.prefix + "room:" + string(roomID) + ":comments"
}

func (r *RedisCommentRepository) startedKey(roomID domain.RoomID) string {
	return r.prefix + "room:" + string(roomID) + ":started_at"
}

func (r *RedisCommentRepository) Append(ctx context.Context, comment *domain.Comment) error {
	data, err := json.Marshal(comment)
	if err != nil {
		return fmt.Errorf("failed to marshal comment: %w", err)
	}

	err = r.client.ZAdd(ctx, r.commentsKey(comment.RoomID), redis.Z{
		Score:  float64(comment.Timestamp),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add comment to Redis: %w", err)
	}
	return nil
}

func (r *RedisCommentRepository) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]domain.Comment, error) {
	members, err := r.client.ZRange(ctx, r.commentsKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list comments from Redis: %w", err)
	}

	comments := make([]domain.Comment, 0, len(members))
	for _, member := range members {
		var c domain.Comment
		if err := json.Unmarshal([]byte(member), &c); err != nil {
			// skip corrupted entries
			continue
		}
		comments = append(comments, c)
	}
	return comments, nil
}

func (r *RedisCommentRepository) SetStartedAt(ctx context.Context, roomID domain.RoomID, at time.Time) error {
	if err := r.client.Set(ctx, r.startedKey(roomID), at.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("failed to set room start in Redis: %w", err)
	}
	return nil
}

func (r *RedisCommentRepository) StartedAt(ctx context.Context, roomID domain.RoomID) (time.Time, error) {
	raw, err := r.client.Get(ctx, r.startedKey(roomID)).Result()
	if err == redis.Nil {
		return time.Time{}, domain.ErrStreamNotStarted
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get room start from Redis: %w", err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid room start %q: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}
