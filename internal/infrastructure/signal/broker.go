package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/config"
	"watchparty/pkg/tracing"
	"watchparty/pkg/utils"
	"watchparty/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Relay reaches peers held by other broker instances. Forward returns
// domain.ErrPeerNotFound when nobody holds dst.
type Relay interface {
	Register(ctx context.Context, peerID domain.PeerID) error
	Unregister(ctx context.Context, peerID domain.PeerID) error
	Forward(ctx context.Context, dst domain.PeerID, frame []byte) error
}

// ErrSendBufferFull reports a connected peer that is not draining its frames.
var ErrSendBufferFull = errors.New("peer send buffer full")

type BrokerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

// BrokerConfigFrom maps the server configuration onto the broker's.
func BrokerConfigFrom(cfg *config.Config) BrokerConfig {
	bc := BrokerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		bc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		bc.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return bc
}

// Broker assigns peer identities and relays negotiation frames between them.
type Broker struct {
	cfg      BrokerConfig
	upgrader websocket.Upgrader
	relay    Relay
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	clients map[domain.PeerID]*client
	mu      sync.RWMutex
}

type client struct {
	id      domain.PeerID
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	once    sync.Once
}

func (c *client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return domain.ErrPeerNotFound
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// NewBroker builds a broker. relay may be nil for a single instance.
func NewBroker(cfg BrokerConfig, relay Relay, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Broker {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval * 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	b := &Broker{
		cfg:     cfg,
		relay:   relay,
		metrics: metrics,
		logger:  logger,
		clients: make(map[domain.PeerID]*client),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

func (b *Broker) checkOrigin(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.HandleWebSocket(w, r)
}

func (b *Broker) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   domain.PeerID(utils.NewPeerID()),
		conn: conn,
		send: make(chan []byte, b.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if b.cfg.MessagesPerSecond > 0 {
		burst := b.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(b.cfg.MessagesPerSecond), burst)
	}

	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	ctx := r.Context()
	if b.relay != nil {
		if err := b.relay.Register(ctx, c.id); err != nil {
			b.logger.Warnw("failed to register peer with relay", "peer_id", c.id, "error", err)
		}
	}
	b.metrics.RecordPeerConnected()
	b.logger.Infow("peer connected", "peer_id", c.id, "remote_addr", r.RemoteAddr)

	go b.writePump(c)
	b.sendTo(c, Envelope{Type: MessageOpen, PeerID: c.id})
	b.readPump(c)

	b.mu.Lock()
	if b.clients[c.id] == c {
		delete(b.clients, c.id)
	}
	b.mu.Unlock()
	c.shutdown()

	if b.relay != nil {
		if err := b.relay.Unregister(context.Background(), c.id); err != nil {
			b.logger.Warnw("failed to unregister peer from relay", "peer_id", c.id, "error", err)
		}
	}
	b.metrics.RecordPeerDisconnected()
	b.logger.Infow("peer disconnected", "peer_id", c.id)
}

func (b *Broker) readPump(c *client) {
	defer c.conn.Close()

	if b.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(b.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Infow("error reading from peer", "peer_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			b.metrics.RecordSignalFailed("unknown", "rate_limited")
			b.sendTo(c, Envelope{Type: MessageError, Message: "rate limit exceeded"})
			continue
		}

		if err := b.handleFrame(c, data); err != nil {
			b.logger.Infow("rejected frame from peer", "peer_id", c.id, "error", err)
			b.sendTo(c, Envelope{Type: MessageError, Message: err.Error()})
		}
	}
}

func (b *Broker) writePump(c *client) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				b.logger.Infow("error writing to peer", "peer_id", c.id, "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (b *Broker) handleFrame(from *client, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.metrics.RecordSignalFailed("unknown", "malformed")
		return fmt.Errorf("malformed frame: %w", err)
	}

	if env.Type == MessageHeartbeat {
		return nil
	}
	if !env.Type.relayed() {
		b.metrics.RecordSignalFailed(string(env.Type), "unknown_type")
		return fmt.Errorf("unknown message type %q", env.Type)
	}
	if err := validate(&env); err != nil {
		b.metrics.RecordSignalFailed(string(env.Type), "invalid")
		return err
	}

	env.Src = from.id
	env.PeerID = ""
	env.Message = ""

	ctx, span := tracing.TraceSignalMessage(context.Background(), string(env.Type), string(env.Src), string(env.Dst))
	defer span.End()

	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	err = b.route(ctx, env.Dst, frame)
	switch {
	case err == nil:
		b.metrics.RecordSignalRelayed(string(env.Type))
		b.logger.Debugw("relayed frame",
			"type", env.Type,
			"src", env.Src,
			"dst", env.Dst,
		)
	case errors.Is(err, ErrSendBufferFull):
		tracing.RecordError(ctx, err)
		b.metrics.RecordSignalFailed(string(env.Type), "buffer_full")
		b.logger.Warnw("dropped frame for slow peer", "type", env.Type, "dst", env.Dst)
		b.sendTo(from, Envelope{Type: MessageError, Dst: env.Dst, Message: fmt.Sprintf("%s not accepting frames", env.Dst)})
	case errors.Is(err, domain.ErrPeerNotFound):
		tracing.RecordError(ctx, err)
		b.metrics.RecordSignalFailed(string(env.Type), "expire")
		if env.Type != MessageLeave {
			b.sendTo(from, Envelope{Type: MessageExpire, Dst: env.Dst})
		}
	default:
		tracing.RecordError(ctx, err)
		b.metrics.RecordSignalFailed(string(env.Type), "relay_error")
		b.logger.Warnw("failed to relay frame", "dst", env.Dst, "error", err)
		b.sendTo(from, Envelope{Type: MessageExpire, Dst: env.Dst})
	}
	return nil
}

func validate(env *Envelope) error {
	if err := validation.ValidatePeerID(string(env.Dst)); err != nil {
		return fmt.Errorf("%s dst: %w", env.Type, err)
	}
	if env.Type == MessageLeave {
		return nil
	}
	if env.Payload == nil || env.Payload.ConnectionID == "" {
		return fmt.Errorf("%s without connection_id", env.Type)
	}
	switch env.Type {
	case MessageOffer, MessageAnswer:
		if env.Payload.SDP == "" {
			return fmt.Errorf("%s without sdp", env.Type)
		}
	case MessageCandidate:
		if len(env.Payload.Candidate) == 0 {
			return fmt.Errorf("candidate without candidate")
		}
	}
	return nil
}

// route delivers locally, then through the relay.
func (b *Broker) route(ctx context.Context, dst domain.PeerID, frame []byte) error {
	if err := b.DeliverLocal(dst, frame); !errors.Is(err, domain.ErrPeerNotFound) {
		return err
	}
	if b.relay == nil {
		return domain.ErrPeerNotFound
	}
	return b.relay.Forward(ctx, dst, frame)
}

// DeliverLocal queues frame for a peer connected to this instance. It
// returns domain.ErrPeerNotFound when dst is not held here and
// ErrSendBufferFull when dst is connected but backed up; the frame is
// dropped in both cases.
func (b *Broker) DeliverLocal(dst domain.PeerID, frame []byte) error {
	b.mu.RLock()
	c, ok := b.clients[dst]
	b.mu.RUnlock()
	if !ok {
		return domain.ErrPeerNotFound
	}
	return c.enqueue(frame)
}

func (b *Broker) sendTo(c *client, env Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (b *Broker) ConnectedPeers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every peer.
func (b *Broker) Close() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[domain.PeerID]*client)
	b.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}
