package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/internal/core/services"
	"watchparty/internal/infrastructure/middleware"
	"watchparty/internal/infrastructure/monitoring"
	"watchparty/internal/infrastructure/repositories/memory"
	applog "watchparty/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	router   *gin.Engine
	auth     services.AuthService
	comments *services.CommentService
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithRepo(t, memory.NewMemoryCommentRepository())
}

func newTestServerWithRepo(t *testing.T, repo ports.CommentRepository) *testServer {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	auth := services.NewAuthService("test-secret", time.Hour, []string{"party-key"})
	comments := services.NewCommentService(repo, nil, nil, logger)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(applog.NewContextLogger(logger.Desugar())))

	NewAuthHandler(auth).SetupRoutes(router)
	NewRoomHandler("ws://signal.test/peerjs", "http://api.test").SetupRoutes(router)
	NewHealthHandler(monitoring.NewHealthChecker(), func() int { return 2 }).SetupRoutes(router)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(auth))
	NewCommentHandler(comments, time.Second, time.Second, logger).SetupRoutes(api)

	return &testServer{router: router, auth: auth, comments: comments}
}

func (s *testServer) token(t *testing.T, author string) string {
	token, _, err := s.auth.IssueToken("party-key", author)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestAuthHandler_IssueToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/auth/token", "", TokenRequest{APIKey: "party-key", Author: "Viewer"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "Viewer", resp.Author)

	claims, err := s.auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "Viewer", claims.Author)

	w = s.do(http.MethodPost, "/api/v1/auth/token", "", TokenRequest{APIKey: "wrong", Author: "Viewer"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/v1/auth/token", "", TokenRequest{APIKey: "party-key", Author: "Admin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommentHandler_RequiresAuth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/api/v1/rooms/R1/comments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCommentHandler_PostAndList(t *testing.T) {
	s := newTestServer(t)
	creator := s.token(t, "Creator")
	viewer := s.token(t, "Viewer")

	late := int64(65000)
	early := int64(1500)
	w := s.do(http.MethodPost, "/api/v1/rooms/R1/comments", viewer, PostCommentRequest{Text: " later ", Timestamp: &late})
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(http.MethodPost, "/api/v1/rooms/R1/comments", creator, PostCommentRequest{Text: "sooner", Timestamp: &early})
	require.Equal(t, http.StatusCreated, w.Code)
	s.do(http.MethodPost, "/api/v1/rooms/R2/comments", creator, PostCommentRequest{Text: "elsewhere", Timestamp: &early})

	w = s.do(http.MethodGet, "/api/v1/rooms/R1/comments", viewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list CommentListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Comments, 2)
	assert.Equal(t, "sooner", list.Comments[0].Text)
	assert.Equal(t, "Creator", list.Comments[0].Author)
	assert.Equal(t, "0:01", list.Comments[0].Offset)
	assert.Equal(t, "later", list.Comments[1].Text)
	assert.Equal(t, "Viewer", list.Comments[1].Author)
	assert.Equal(t, "1:05", list.Comments[1].Offset)
}

func TestCommentHandler_RejectsBlankAndOversized(t *testing.T) {
	s := newTestServer(t)
	viewer := s.token(t, "Viewer")
	ts := int64(0)

	w := s.do(http.MethodPost, "/api/v1/rooms/R1/comments", viewer, PostCommentRequest{Text: "   ", Timestamp: &ts})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/rooms/R1/comments", viewer, PostCommentRequest{Text: strings.Repeat("x", 501), Timestamp: &ts})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/rooms/bad%20room/comments", viewer, PostCommentRequest{Text: "hi", Timestamp: &ts})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommentHandler_ServerDerivedTimestamp(t *testing.T) {
	s := newTestServer(t)
	creator := s.token(t, "Creator")
	viewer := s.token(t, "Viewer")

	w := s.do(http.MethodPost, "/api/v1/rooms/R1/comments", viewer, PostCommentRequest{Text: "too early"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodGet, "/api/v1/rooms/R1/start", viewer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPut, "/api/v1/rooms/R1/start", viewer, StartRequest{})
	assert.Equal(t, http.StatusForbidden, w.Code)

	started := time.Now().Add(-90 * time.Second)
	w = s.do(http.MethodPut, "/api/v1/rooms/R1/start", creator, StartRequest{StartedAt: &started})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/v1/rooms/R1/start", viewer, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/api/v1/rooms/R1/comments", viewer, PostCommentRequest{Text: "now"})
	require.Equal(t, http.StatusCreated, w.Code)
	var c CommentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &c))
	assert.InDelta(t, 90000, c.Timestamp, 5000)
}

type unavailableRepo struct{}

func (unavailableRepo) Append(context.Context, *domain.Comment) error {
	return errors.New("dial tcp 10.0.0.5:6379: connection refused")
}

func (unavailableRepo) ListByRoom(context.Context, domain.RoomID) ([]domain.Comment, error) {
	return nil, errors.New("dial tcp 10.0.0.5:6379: connection refused")
}

func (unavailableRepo) SetStartedAt(context.Context, domain.RoomID, time.Time) error {
	return errors.New("dial tcp 10.0.0.5:6379: connection refused")
}

func (unavailableRepo) StartedAt(context.Context, domain.RoomID) (time.Time, error) {
	return time.Time{}, errors.New("dial tcp 10.0.0.5:6379: connection refused")
}

func TestCommentHandler_StoreOutageIsServiceUnavailable(t *testing.T) {
	s := newTestServerWithRepo(t, unavailableRepo{})
	viewer := s.token(t, "Viewer")

	w := s.do(http.MethodGet, "/api/v1/rooms/R1/comments", viewer, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "SERVICE_UNAVAILABLE", body["error"])
	assert.Equal(t, "comment store unavailable", body["message"])
	assert.Equal(t, map[string]interface{}{"room_id": "R1"}, body["details"])
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestCommentHandler_ViewerCannotStartRoom(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPut, "/api/v1/rooms/R1/start", s.token(t, "Viewer"), StartRequest{})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"FORBIDDEN"`)
}

func TestCommentHandler_Stream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	viewer := s.token(t, "Viewer")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/rooms/R1/comments/stream?token=" + viewer
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() CommentFrame {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f CommentFrame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	initial := read()
	assert.Equal(t, "comments", initial.Type)
	assert.Empty(t, initial.Comments)

	_, err = s.comments.Append(context.Background(), domain.Comment{RoomID: "R1", Text: "hello", Timestamp: 10, Author: "Creator"})
	require.NoError(t, err)
	_, err = s.comments.Append(context.Background(), domain.Comment{RoomID: "R2", Text: "not mine", Author: "Creator"})
	require.NoError(t, err)

	update := read()
	require.Len(t, update.Comments, 1)
	assert.Equal(t, "hello", update.Comments[0].Text)

	assert.Eventually(t, func() bool { return s.comments.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return s.comments.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRoomHandler(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/room/abc123?role=creator", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var room RoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	assert.Equal(t, domain.RoomID("abc123"), room.RoomCode)
	assert.Equal(t, domain.RoleCreator, room.Role)
	assert.Equal(t, "Creator", room.Author)
	assert.Equal(t, "ws://signal.test/peerjs", room.SignalURL)

	w = s.do(http.MethodGet, "/room/abc123?role=host", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	assert.Equal(t, domain.RoleViewer, room.Role)
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connections":2`)

	w = s.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
