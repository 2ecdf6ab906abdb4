package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/tracing"
	"watchparty/pkg/utils"

	"go.uber.org/zap"
)

// CommentService is the server side of the comment log. It stores comments
// through a repository and pushes fresh room snapshots to subscribers on
// this instance; the notifier tells other instances to do the same.
type CommentService struct {
	repo     ports.CommentRepository
	notifier ports.CommentNotifier
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	nextID int
	rooms  map[domain.RoomID]*roomSubs
}

// roomSubs holds one room's subscribers. deliver serializes snapshot reads
// and fan-out so a subscriber never sees an older list after a newer one.
type roomSubs struct {
	deliver sync.Mutex
	subs    map[int]func([]domain.Comment)
	pending int // subscribes still reading their first snapshot
}

func NewCommentService(
	repo ports.CommentRepository,
	notifier ports.CommentNotifier, // nil on a single instance
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *CommentService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &CommentService{
		repo:     repo,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		rooms:    make(map[domain.RoomID]*roomSubs),
	}
}

var _ ports.CommentLog = (*CommentService)(nil)

func (s *CommentService) Subscribe(ctx context.Context, roomID domain.RoomID, onUpdate func([]domain.Comment)) (func(), error) {
	ctx, span := tracing.TraceCommentOperation(ctx, "subscribe", string(roomID))
	defer span.End()

	s.mu.Lock()
	room := s.rooms[roomID]
	if room == nil {
		room = &roomSubs{subs: make(map[int]func([]domain.Comment))}
		s.rooms[roomID] = room
	}
	room.pending++
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	// Registered under the delivery lock so no refresh slips in between the
	// first snapshot and registration.
	room.deliver.Lock()
	defer room.deliver.Unlock()

	comments, err := s.list(ctx, roomID)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.mu.Lock()
		room.pending--
		s.removeLocked(roomID, room, id)
		s.mu.Unlock()
		return nil, &domain.PersistenceError{Op: "subscribe", Room: roomID, Cause: err}
	}

	s.mu.Lock()
	room.pending--
	room.subs[id] = onUpdate
	s.metrics.SetCommentSubscribers(s.countLocked())
	s.mu.Unlock()

	onUpdate(comments)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.removeLocked(roomID, room, id)
			s.metrics.SetCommentSubscribers(s.countLocked())
		})
	}, nil
}

func (s *CommentService) removeLocked(roomID domain.RoomID, room *roomSubs, id int) {
	delete(room.subs, id)
	if len(room.subs) == 0 && room.pending == 0 && s.rooms[roomID] == room {
		delete(s.rooms, roomID)
	}
}

func (s *CommentService) Append(ctx context.Context, comment domain.Comment) (domain.Comment, error) {
	ctx, span := tracing.TraceCommentOperation(ctx, "append", string(comment.RoomID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.AuthorKey.String(comment.Author))

	comment.Text = strings.TrimSpace(comment.Text)
	if comment.Text == "" {
		return domain.Comment{}, domain.ErrEmptyComment
	}
	if comment.ID == "" {
		comment.ID = utils.NewCommentID()
	}
	if comment.Timestamp < 0 {
		comment.Timestamp = 0
	}

	if err := s.repo.Append(ctx, &comment); err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Errorw("Failed to store comment", "room_id", comment.RoomID, "error", err)
		return domain.Comment{}, &domain.PersistenceError{Op: "append", Room: comment.RoomID, Cause: err}
	}

	s.metrics.RecordCommentAppended(comment.RoomID)
	s.logger.Infow("Comment appended",
		"room_id", comment.RoomID,
		"comment_id", comment.ID,
		"author", comment.Author,
		"offset", utils.FormatOffset(comment.Timestamp),
	)

	s.Refresh(ctx, comment.RoomID)
	if s.notifier != nil {
		if err := s.notifier.PublishCommentAppended(ctx, comment.RoomID); err != nil {
			s.logger.Warnw("Failed to publish comment notice", "room_id", comment.RoomID, "error", err)
		}
	}
	return comment, nil
}

// Refresh reloads roomID and pushes the snapshot to local subscribers. The
// event bus calls it when another instance appended a comment.
func (s *CommentService) Refresh(ctx context.Context, roomID domain.RoomID) {
	s.mu.Lock()
	room := s.rooms[roomID]
	s.mu.Unlock()
	if room == nil {
		return
	}

	room.deliver.Lock()
	defer room.deliver.Unlock()

	s.mu.Lock()
	callbacks := make([]func([]domain.Comment), 0, len(room.subs))
	for _, cb := range room.subs {
		callbacks = append(callbacks, cb)
	}
	s.mu.Unlock()
	if len(callbacks) == 0 {
		return
	}

	comments, err := s.list(ctx, roomID)
	if err != nil {
		s.logger.Warnw("Failed to reload comments", "room_id", roomID, "error", err)
		return
	}
	for _, cb := range callbacks {
		cb(comments)
	}
}

// List returns the room's comments ordered by timestamp.
func (s *CommentService) List(ctx context.Context, roomID domain.RoomID) ([]domain.Comment, error) {
	ctx, span := tracing.TraceCommentOperation(ctx, "list", string(roomID))
	defer span.End()

	comments, err := s.list(ctx, roomID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, &domain.PersistenceError{Op: "list", Room: roomID, Cause: err}
	}
	return comments, nil
}

func (s *CommentService) list(ctx context.Context, roomID domain.RoomID) ([]domain.Comment, error) {
	comments, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].Timestamp < comments[j].Timestamp
	})
	return comments, nil
}

func (s *CommentService) MarkStarted(ctx context.Context, roomID domain.RoomID, at time.Time) error {
	ctx, span := tracing.TraceCommentOperation(ctx, "mark_started", string(roomID))
	defer span.End()

	if err := s.repo.SetStartedAt(ctx, roomID, at); err != nil {
		tracing.RecordError(ctx, err)
		return &domain.PersistenceError{Op: "mark_started", Room: roomID, Cause: err}
	}
	s.logger.Infow("Stream start recorded", "room_id", roomID, "started_at", at)
	return nil
}

// StartedAt returns domain.ErrStreamNotStarted before the creator marked the
// room started.
func (s *CommentService) StartedAt(ctx context.Context, roomID domain.RoomID) (time.Time, error) {
	at, err := s.repo.StartedAt(ctx, roomID)
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// Subscribers returns the number of local subscriptions across all rooms.
func (s *CommentService) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

func (s *CommentService) countLocked() int {
	n := 0
	for _, room := range s.rooms {
		n += len(room.subs)
	}
	return n
}
