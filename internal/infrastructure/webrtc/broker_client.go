package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/infrastructure/signal"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultBrokerWriteTimeout = 10 * time.Second

var ErrBrokerRejected = errors.New("broker rejected connection")

// BrokerClient is one websocket session with the signalling broker.
type BrokerClient struct {
	conn         *websocket.Conn
	id           domain.PeerID
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialBroker connects to url and waits for the broker to assign an id.
func DialBroker(ctx context.Context, url string, logger *zap.SugaredLogger) (*BrokerClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", url, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })

	var open signal.Envelope
	err = conn.ReadJSON(&open)
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read open frame: %w", err)
	}

	if open.Type != signal.MessageOpen || open.PeerID == "" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s %s", ErrBrokerRejected, open.Type, open.Message)
	}

	return &BrokerClient{
		conn:         conn,
		id:           open.PeerID,
		writeTimeout: defaultBrokerWriteTimeout,
		logger:       logger.With("peer_id", open.PeerID),
	}, nil
}

func (b *BrokerClient) ID() domain.PeerID { return b.id }

// Run reads frames until the connection fails or is closed. Frames are
// handled on the calling goroutine in arrival order.
func (b *BrokerClient) Run(handle func(env signal.Envelope)) error {
	for {
		var env signal.Envelope
		if err := b.conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		handle(env)
	}
}

func (b *BrokerClient) Send(env signal.Envelope) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	if err := b.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Type, env.Dst, err)
	}
	return nil
}

func (b *BrokerClient) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.writeMu.Lock()
		b.conn.SetWriteDeadline(time.Now().Add(time.Second))
		b.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		b.writeMu.Unlock()
		err = b.conn.Close()
	})
	return err
}
