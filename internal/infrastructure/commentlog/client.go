package commentlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/circuitbreaker"
	"watchparty/pkg/retry"
	"watchparty/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// tokenSlack renews a token this long before it expires.
const tokenSlack = 30 * time.Second

// StatusError is a non-2xx answer from the comment API.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("comment api: %d %s: %s", e.Status, e.Code, e.Message)
}

// retryable reports whether the request may succeed when repeated.
func retryable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= http.StatusInternalServerError
	}
	return !errors.Is(err, domain.ErrStreamNotStarted)
}

// unreachable reports whether err says the server is down rather than that
// the request was wrong.
func unreachable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= http.StatusInternalServerError
	}
	return true
}

// Client is the comment log of a remote watchparty server.
type Client struct {
	baseURL string
	apiKey  string
	author  string
	http    *http.Client
	retry   retry.Config
	breaker *circuitbreaker.Breaker
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type Options struct {
	BaseURL string
	APIKey  string
	Author  string
	Timeout time.Duration
	Retry   retry.Config
	// Breaker guards every request. A zero FailureThreshold disables it.
	Breaker circuitbreaker.Config
}

func NewClient(opts Options, logger *zap.SugaredLogger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.Breaker.IsFailure = unreachable
	breaker := circuitbreaker.New(opts.Breaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Comment API breaker changed state", "from", from, "to", to, "base_url", opts.BaseURL)
	})

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		author:  opts.Author,
		http:    &http.Client{Timeout: opts.Timeout},
		retry:   opts.Retry,
		breaker: breaker,
		logger:  logger,
	}
}

type tokenRequest struct {
	APIKey string `json:"api_key"`
	Author string `json:"author"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type commentRequest struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type commentList struct {
	Comments []domain.Comment `json:"comments"`
}

type commentFrame struct {
	Type     string           `json:"type"`
	Comments []domain.Comment `json:"comments"`
}

type startBody struct {
	StartedAt time.Time `json:"started_at"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func roomPath(room domain.RoomID, suffix string) string {
	return "/api/v1/rooms/" + url.PathEscape(string(room)) + suffix
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.expiresAt) > tokenSlack {
		return c.token, nil
	}

	var resp tokenResponse
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/token", "", tokenRequest{APIKey: c.apiKey, Author: c.author}, &resp); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	c.token, c.expiresAt = resp.Token, resp.ExpiresAt
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// do sends an authenticated request, renewing the token once on 401.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	for attempt := 0; ; attempt++ {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}
		err = c.send(ctx, method, path, token, body, out)
		var statusErr *StatusError
		if attempt == 0 && errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized {
			c.dropToken()
			continue
		}
		return err
	}
}

func (c *Client) send(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.breaker.Execute(func() error {
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			var apiErr apiError
			json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr)
			return &StatusError{Status: resp.StatusCode, Code: apiErr.Error, Message: apiErr.Message}
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (c *Client) retryConfig() retry.Config {
	cfg := c.retry
	cfg.NonRetryable = []error{errPermanent}
	return cfg
}

// get retries transient failures of an idempotent read.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	_, err := retry.Do(ctx, c.retryConfig(), func(attempt int) (struct{}, error) {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err != nil && !retryable(err) {
			return struct{}{}, &permanent{err}
		}
		return struct{}{}, err
	})
	var p *permanent
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

var errPermanent = errors.New("permanent failure")

// permanent marks an error that retrying cannot fix.
type permanent struct{ err error }

func (p *permanent) Error() string        { return p.err.Error() }
func (p *permanent) Unwrap() error        { return p.err }
func (p *permanent) Is(target error) bool { return target == errPermanent }

func (c *Client) Append(ctx context.Context, comment domain.Comment) (domain.Comment, error) {
	if utils.IsEmpty(comment.Text) {
		return domain.Comment{}, domain.ErrEmptyComment
	}

	var out domain.Comment
	err := c.do(ctx, http.MethodPost, roomPath(comment.RoomID, "/comments"),
		commentRequest{Text: comment.Text, Timestamp: comment.Timestamp}, &out)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusConflict {
			err = fmt.Errorf("%w: %v", domain.ErrStreamNotStarted, err)
		}
		return domain.Comment{}, &domain.PersistenceError{Op: "append", Room: comment.RoomID, Cause: err}
	}
	return out, nil
}

// List fetches the room's comments once.
func (c *Client) List(ctx context.Context, room domain.RoomID) ([]domain.Comment, error) {
	var out commentList
	if err := c.get(ctx, roomPath(room, "/comments"), &out); err != nil {
		return nil, &domain.PersistenceError{Op: "list", Room: room, Cause: err}
	}
	return out.Comments, nil
}

func (c *Client) MarkStarted(ctx context.Context, room domain.RoomID, at time.Time) error {
	if err := c.do(ctx, http.MethodPut, roomPath(room, "/start"), startBody{StartedAt: at}, nil); err != nil {
		return &domain.PersistenceError{Op: "start", Room: room, Cause: err}
	}
	return nil
}

func (c *Client) StartedAt(ctx context.Context, room domain.RoomID) (time.Time, error) {
	var out startBody
	err := c.get(ctx, roomPath(room, "/start"), &out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
		return time.Time{}, domain.ErrStreamNotStarted
	}
	if err != nil {
		return time.Time{}, &domain.PersistenceError{Op: "started_at", Room: room, Cause: err}
	}
	return out.StartedAt, nil
}

// Subscribe opens the room's comment stream. The first snapshot is delivered
// before Subscribe returns; later ones arrive on a background reader.
func (c *Client) Subscribe(ctx context.Context, room domain.RoomID, onUpdate func([]domain.Comment)) (func(), error) {
	conn, err := c.dialStream(ctx, room)
	if err != nil {
		c.dropToken()
		if conn, err = c.dialStream(ctx, room); err != nil {
			return nil, &domain.PersistenceError{Op: "subscribe", Room: room, Cause: err}
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	var first commentFrame
	err = conn.ReadJSON(&first)
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, &domain.PersistenceError{Op: "subscribe", Room: room, Cause: err}
	}
	onUpdate(first.Comments)

	var once sync.Once
	closed := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			close(closed)
			conn.Close()
		})
	}

	go func() {
		for {
			var frame commentFrame
			if err := conn.ReadJSON(&frame); err != nil {
				select {
				case <-closed:
				default:
					c.logger.Warnw("Comment stream ended", "room_id", room, "error", err)
				}
				return
			}
			if frame.Type == "comments" {
				onUpdate(frame.Comments)
			}
		}
	}()

	return unsubscribe, nil
}

func (c *Client) dialStream(ctx context.Context, room domain.RoomID) (*websocket.Conn, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(c.baseURL + roomPath(room, "/comments/stream"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	return conn, nil
}

var _ ports.CommentLog = (*Client)(nil)
