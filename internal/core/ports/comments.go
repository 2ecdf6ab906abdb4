package ports

import (
	"context"
	"time"

	"watchparty/internal/core/domain"
)

// CommentLog is the comment store as seen by a session.
type CommentLog interface {
	// Subscribe calls onUpdate with the room's full list, ordered by
	// timestamp, on subscribe and after every change.
	Subscribe(ctx context.Context, roomID domain.RoomID, onUpdate func([]domain.Comment)) (func(), error)
	Append(ctx context.Context, comment domain.Comment) (domain.Comment, error)
	MarkStarted(ctx context.Context, roomID domain.RoomID, at time.Time) error
	StartedAt(ctx context.Context, roomID domain.RoomID) (time.Time, error)
}

type CommentRepository interface {
	Append(ctx context.Context, comment *domain.Comment) error
	ListByRoom(ctx context.Context, roomID domain.RoomID) ([]domain.Comment, error)
	SetStartedAt(ctx context.Context, roomID domain.RoomID, at time.Time) error
	// StartedAt returns domain.ErrStreamNotStarted when nothing was recorded.
	StartedAt(ctx context.Context, roomID domain.RoomID) (time.Time, error)
}

// CommentNotifier propagates "room changed" notices between server instances.
type CommentNotifier interface {
	PublishCommentAppended(ctx context.Context, roomID domain.RoomID) error
}
