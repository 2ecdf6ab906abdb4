package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
)

type MemoryCommentRepository struct {
	comments map[domain.RoomID][]domain.Comment
	started  map[domain.RoomID]time.Time
	mu       sync.RWMutex
}

func NewMemoryCommentRepository() ports.CommentRepository {
	return &MemoryCommentRepository{
		comments: make(map[domain.RoomID][]domain.Comment),
		started:  make(map[domain.RoomID]time.Time),
	}
}

func (r *MemoryCommentRepository) Append(ctx context.Context, comment *domain.Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.comments[comment.RoomID]
	// keep the room sorted; equal timestamps stay in arrival order
	i := sort.Search(len(room), func(i int) bool {
		return room[i].Timestamp > comment.Timestamp
	})
	room = append(room, domain.Comment{})
	copy(room[i+1:], room[i:])
	room[i] = *comment
	r.comments[comment.RoomID] = room
	return nil
}

func (r *MemoryCommentRepository) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]domain.Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.comments[roomID]
	out := make([]domain.Comment, len(room))
	copy(out, room)
	return out, nil
}

func (r *MemoryCommentRepository) SetStartedAt(ctx context.Context, roomID domain.RoomID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.started[roomID] = at
	return nil
}

func (r *MemoryCommentRepository) StartedAt(ctx context.Context, roomID domain.RoomID) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	at, ok := r.started[roomID]
	if !ok {
		return time.Time{}, domain.ErrStreamNotStarted
	}
	return at, nil
}
