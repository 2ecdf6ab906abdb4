package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/internal/infrastructure/middleware"
	apperrors "watchparty/pkg/errors"
	"watchparty/pkg/utils"
	"watchparty/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CommentStore is the comment log as served over HTTP.
type CommentStore interface {
	ports.CommentLog
	List(ctx context.Context, roomID domain.RoomID) ([]domain.Comment, error)
}

type CommentHandler struct {
	comments     CommentStore
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func NewCommentHandler(comments CommentStore, pingInterval, writeTimeout time.Duration, logger *zap.SugaredLogger) *CommentHandler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &CommentHandler{
		comments: comments,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// SetupRoutes registers the room routes on an authenticated group.
func (h *CommentHandler) SetupRoutes(api *gin.RouterGroup) {
	rooms := api.Group("/rooms/:roomId")
	{
		rooms.GET("/comments", h.ListComments)
		rooms.POST("/comments", h.PostComment)
		rooms.GET("/comments/stream", h.StreamComments)
		rooms.PUT("/start", h.MarkStarted)
		rooms.GET("/start", h.GetStarted)
	}
}

type CommentResponse struct {
	ID        string        `json:"id"`
	RoomID    domain.RoomID `json:"roomId"`
	Text      string        `json:"text"`
	Timestamp int64         `json:"timestamp"`
	Author    string        `json:"author"`
	Offset    string        `json:"offset"`
}

func toCommentResponse(c domain.Comment) CommentResponse {
	return CommentResponse{
		ID:        c.ID,
		RoomID:    c.RoomID,
		Text:      c.Text,
		Timestamp: c.Timestamp,
		Author:    c.Author,
		Offset:    utils.FormatOffset(c.Timestamp),
	}
}

func toCommentResponses(comments []domain.Comment) []CommentResponse {
	out := make([]CommentResponse, 0, len(comments))
	for _, c := range comments {
		out = append(out, toCommentResponse(c))
	}
	return out
}

type CommentListResponse struct {
	RoomID   domain.RoomID     `json:"room_id"`
	Comments []CommentResponse `json:"comments"`
}

// CommentFrame is pushed on the comment stream after every change.
type CommentFrame struct {
	Type     string            `json:"type"`
	RoomID   domain.RoomID     `json:"room_id"`
	Comments []CommentResponse `json:"comments"`
}

type PostCommentRequest struct {
	Text string `json:"text" binding:"required"`
	// Timestamp is the offset in milliseconds. When omitted the server
	// derives it from the room's recorded start.
	Timestamp *int64 `json:"timestamp" binding:"omitempty,min=0"`
}

type StartRequest struct {
	StartedAt *time.Time `json:"started_at"`
}

type StartResponse struct {
	RoomID    domain.RoomID `json:"room_id"`
	StartedAt time.Time     `json:"started_at"`
}

func roomParam(c *gin.Context) (domain.RoomID, bool) {
	room := c.Param("roomId")
	if err := validation.ValidateRoomCode(room); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.RoomID(room), true
}

func commentError(err error, room domain.RoomID) *apperrors.AppError {
	var persistErr *domain.PersistenceError
	switch {
	case errors.Is(err, domain.ErrEmptyComment):
		return apperrors.NewInvalidInputError(err.Error())
	case errors.Is(err, domain.ErrStreamNotStarted):
		return apperrors.NewConflictError("stream has not started").WithContext("room_id", string(room))
	case errors.As(err, &persistErr):
		return apperrors.NewServiceUnavailableError("comment store unavailable").WithCause(err).WithContext("room_id", string(room))
	default:
		return apperrors.NewInternalError("comment operation failed").WithCause(err)
	}
}

func (h *CommentHandler) ListComments(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	comments, err := h.comments.List(c.Request.Context(), room)
	if err != nil {
		c.Error(commentError(err, room))
		return
	}

	c.JSON(http.StatusOK, CommentListResponse{
		RoomID:   room,
		Comments: toCommentResponses(comments),
	})
}

func (h *CommentHandler) PostComment(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	var req PostCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format").WithContext("reason", err.Error()))
		return
	}
	req.Text = utils.SanitizeString(req.Text)
	if err := validation.ValidateCommentText(req.Text); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	ctx := c.Request.Context()
	var timestamp int64
	if req.Timestamp != nil {
		timestamp = *req.Timestamp
	} else {
		startedAt, err := h.comments.StartedAt(ctx, room)
		if err != nil {
			c.Error(commentError(err, room))
			return
		}
		timestamp = domain.OffsetSince(startedAt, utils.Now())
	}

	comment, err := h.comments.Append(ctx, domain.Comment{
		RoomID:    room,
		Text:      req.Text,
		Timestamp: timestamp,
		Author:    middleware.Author(c),
	})
	if err != nil {
		c.Error(commentError(err, room))
		return
	}

	c.JSON(http.StatusCreated, toCommentResponse(comment))
}

func (h *CommentHandler) MarkStarted(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	if middleware.Author(c) != domain.RoleCreator.Author() {
		c.Error(apperrors.NewForbiddenError("only the creator can start the room"))
		return
	}

	var req StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.NewInvalidInputError("invalid request format"))
			return
		}
	}
	at := utils.Now()
	if req.StartedAt != nil {
		at = *req.StartedAt
	}

	if err := h.comments.MarkStarted(c.Request.Context(), room, at); err != nil {
		c.Error(commentError(err, room))
		return
	}
	c.JSON(http.StatusOK, StartResponse{RoomID: room, StartedAt: at})
}

func (h *CommentHandler) GetStarted(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	at, err := h.comments.StartedAt(c.Request.Context(), room)
	if errors.Is(err, domain.ErrStreamNotStarted) {
		c.Error(apperrors.NewNotFoundError("room start").WithContext("room_id", string(room)))
		return
	}
	if err != nil {
		c.Error(commentError(err, room))
		return
	}
	c.JSON(http.StatusOK, StartResponse{RoomID: room, StartedAt: at})
}

// StreamComments pushes the room's full list on connect and after every
// change. Slow readers only ever see the latest snapshot.
func (h *CommentHandler) StreamComments(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("comment stream upgrade failed", "room_id", room, "error", err)
		return
	}
	defer conn.Close()

	updates := make(chan []domain.Comment, 1)
	push := func(comments []domain.Comment) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- comments:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsubscribe, err := h.comments.Subscribe(ctx, room, push)
	if err != nil {
		h.logger.Warnw("comment stream subscribe failed", "room_id", room, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(h.writeTimeout))
		return
	}
	defer unsubscribe()

	// reader: only watches for the client going away
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case comments := <-updates:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			frame := CommentFrame{Type: "comments", RoomID: room, Comments: toCommentResponses(comments)}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
