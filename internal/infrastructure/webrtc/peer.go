package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/internal/infrastructure/signal"
	"watchparty/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// maxOrphanCandidates bounds candidates held for a connection whose offer
// has not arrived yet.
const maxOrphanCandidates = 32

// Peer is one broker identity. Broker frames are handled in order on the
// serve goroutine; pion callbacks feed the event queue.
type Peer struct {
	id         domain.PeerID
	broker     *BrokerClient
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	events     *eventQueue
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	links   map[string]endpoint
	orphans map[string][]webrtc.ICECandidateInit
	closed  bool
}

func newPeer(broker *BrokerClient, api *webrtc.API, iceServers []webrtc.ICEServer, logger *zap.SugaredLogger) *Peer {
	return &Peer{
		id:         broker.ID(),
		broker:     broker,
		api:        api,
		iceServers: iceServers,
		events:     newEventQueue(),
		logger:     logger.With("peer_id", broker.ID()),
		links:      make(map[string]endpoint),
		orphans:    make(map[string][]webrtc.ICECandidateInit),
	}
}

func (p *Peer) ID() domain.PeerID              { return p.id }
func (p *Peer) Events() <-chan ports.PeerEvent { return p.events.events() }
func (p *Peer) emit(ev ports.PeerEvent)        { p.events.push(ev) }

func (p *Peer) send(env signal.Envelope) error {
	if err := p.broker.Send(env); err != nil {
		p.logger.Warnw("Failed to send signal", "type", env.Type, "dst", env.Dst, "error", err)
		return err
	}
	return nil
}

// Connect opens a data connection. The returned connection reports open
// through EventConnectionOpen.
func (p *Peer) Connect(ctx context.Context, remote domain.PeerID) (ports.DataConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l, err := p.newLink(utils.NewConnectionID("dc"), remote, domain.ConnectionData, "")
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", remote, err)
	}
	conn := &DataConn{link: l}

	dc, err := l.pc.CreateDataChannel("data", nil)
	if err != nil {
		l.closePC()
		return nil, fmt.Errorf("connect %s: %w", remote, err)
	}
	conn.bind(dc)

	if err := p.register(conn); err != nil {
		l.closePC()
		return nil, err
	}
	if err := l.offer(); err != nil {
		p.closeLink(l.id, false)
		return nil, fmt.Errorf("connect %s: %w", remote, err)
	}

	p.logger.Infow("Data connection offered", "remote", remote, "connection_id", l.id)
	return conn, nil
}

// Call places a media call carrying stream.
func (p *Peer) Call(ctx context.Context, remote domain.PeerID, stream ports.LocalStream) (ports.MediaCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, ErrNoSendableTrack
	}

	l, err := p.newLink(utils.NewConnectionID("mc"), remote, domain.ConnectionMedia, stream.Kind())
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", remote, err)
	}
	call := &MediaCall{link: l}
	l.pc.OnTrack(call.onTrack)

	if err := call.addStream(stream); err != nil {
		l.closePC()
		return nil, fmt.Errorf("call %s: %w", remote, err)
	}
	if err := p.register(call); err != nil {
		l.closePC()
		return nil, err
	}
	if err := l.offer(); err != nil {
		p.closeLink(l.id, false)
		return nil, fmt.Errorf("call %s: %w", remote, err)
	}

	p.logger.Infow("Media call offered", "remote", remote, "connection_id", l.id, "kind", stream.Kind())
	return call, nil
}

func (p *Peer) register(ep endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrConnectionClosed
	}
	p.links[ep.base().id] = ep
	return nil
}

func (p *Peer) lookup(id string) (endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.links[id]
	return ep, ok
}

// closeLink removes a connection and tears it down. notify tells the remote
// side with a leave frame.
func (p *Peer) closeLink(id string, notify bool) {
	p.mu.Lock()
	ep, ok := p.links[id]
	delete(p.links, id)
	p.mu.Unlock()

	if !ok {
		return
	}
	l := ep.base()
	if notify {
		l.send(signal.MessageLeave, nil)
	}
	ep.teardown()
	p.logger.Debugw("Connection closed", "connection_id", id, "remote", l.remote, "type", l.typ)
}

func (p *Peer) closeLinksTo(remote domain.PeerID) {
	p.mu.Lock()
	var ids []string
	for id, ep := range p.links {
		if ep.base().remote == remote {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.closeLink(id, false)
	}
}

// Close ends every connection, leaves the broker and closes Events.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ids := make([]string, 0, len(p.links))
	for id := range p.links {
		ids = append(ids, id)
	}
	p.orphans = nil
	p.mu.Unlock()

	for _, id := range ids {
		p.closeLink(id, true)
	}
	err := p.broker.Close()
	p.events.close()
	p.logger.Infow("Peer closed", "connections", len(ids))
	return err
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) serve() {
	err := p.broker.Run(p.handle)
	if p.isClosed() {
		return
	}
	if err == nil {
		err = errors.New("broker closed the connection")
	}
	p.logger.Warnw("Broker connection lost", "error", err)
	p.emit(ports.PeerEvent{Kind: ports.EventError, Err: fmt.Errorf("broker connection lost: %w", err)})
}

func (p *Peer) handle(env signal.Envelope) {
	switch env.Type {
	case signal.MessageOffer:
		p.handleOffer(env)
	case signal.MessageAnswer:
		p.handleAnswer(env)
	case signal.MessageCandidate:
		p.handleCandidate(env)
	case signal.MessageLeave:
		if env.Payload != nil && env.Payload.ConnectionID != "" {
			p.closeLink(env.Payload.ConnectionID, false)
			return
		}
		p.closeLinksTo(env.Src)
	case signal.MessageExpire:
		p.closeLinksTo(env.Dst)
		p.emit(ports.PeerEvent{Kind: ports.EventError, Err: fmt.Errorf("%w: %s", domain.ErrPeerNotFound, env.Dst)})
	case signal.MessageError:
		p.emit(ports.PeerEvent{Kind: ports.EventError, Err: fmt.Errorf("broker: %s", env.Message)})
	case signal.MessageOpen, signal.MessageHeartbeat:
	default:
		p.logger.Debugw("Ignoring broker frame", "type", env.Type)
	}
}

func (p *Peer) handleOffer(env signal.Envelope) {
	pl := env.Payload
	if pl == nil || pl.ConnectionID == "" || pl.SDP == "" {
		p.logger.Warnw("Dropping offer without payload", "src", env.Src)
		return
	}
	if _, exists := p.lookup(pl.ConnectionID); exists {
		p.logger.Warnw("Ignoring renegotiation", "src", env.Src, "connection_id", pl.ConnectionID)
		return
	}

	l, err := p.newLink(pl.ConnectionID, env.Src, pl.ConnectionType, pl.StreamKind)
	if err != nil {
		p.logger.Errorw("Failed to create peer connection", "src", env.Src, "error", err)
		return
	}

	var ep endpoint
	var ev ports.PeerEvent
	switch pl.ConnectionType {
	case domain.ConnectionMedia:
		if !pl.StreamKind.Valid() {
			l.closePC()
			p.logger.Warnw("Dropping call with unknown stream kind", "src", env.Src, "kind", pl.StreamKind)
			return
		}
		call := &MediaCall{link: l, incoming: true}
		l.pc.OnTrack(call.onTrack)
		ep, ev = call, ports.PeerEvent{Kind: ports.EventCall, Call: call}
	default:
		conn := &DataConn{link: l}
		l.pc.OnDataChannel(conn.bind)
		ep, ev = conn, ports.PeerEvent{Kind: ports.EventConnection, Conn: conn}
	}

	if err := p.register(ep); err != nil {
		l.closePC()
		return
	}
	for _, c := range p.takeOrphans(l.id) {
		l.addCandidate(c)
	}
	p.logger.Infow("Incoming connection",
		"src", env.Src,
		"connection_id", l.id,
		"type", pl.ConnectionType,
		"kind", pl.StreamKind,
	)

	// A data connection is announced before its channel can open. A call is
	// announced once the offer is applied so it can be answered.
	if ev.Kind == ports.EventConnection {
		p.emit(ev)
	}
	if err := l.setRemote(webrtc.SDPTypeOffer, pl.SDP); err != nil {
		p.logger.Warnw("Failed to apply offer", "src", env.Src, "connection_id", l.id, "error", err)
		p.closeLink(l.id, true)
		return
	}

	if ev.Kind == ports.EventCall {
		p.emit(ev)
		return
	}
	if err := l.answer(); err != nil {
		p.logger.Warnw("Failed to answer data connection", "src", env.Src, "error", err)
		p.closeLink(l.id, true)
	}
}

func (p *Peer) handleAnswer(env signal.Envelope) {
	pl := env.Payload
	if pl == nil || pl.SDP == "" {
		return
	}
	ep, ok := p.lookup(pl.ConnectionID)
	if !ok {
		p.logger.Debugw("Answer for unknown connection", "src", env.Src, "connection_id", pl.ConnectionID)
		return
	}
	l := ep.base()
	if err := l.setRemote(webrtc.SDPTypeAnswer, pl.SDP); err != nil {
		p.logger.Warnw("Failed to apply answer", "src", env.Src, "connection_id", l.id, "error", err)
		p.closeLink(l.id, true)
	}
}

func (p *Peer) handleCandidate(env signal.Envelope) {
	pl := env.Payload
	if pl == nil || len(pl.Candidate) == 0 {
		return
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(pl.Candidate, &candidate); err != nil {
		p.logger.Debugw("Dropping malformed candidate", "src", env.Src, "error", err)
		return
	}

	ep, ok := p.lookup(pl.ConnectionID)
	if !ok {
		p.holdOrphan(pl.ConnectionID, candidate)
		return
	}
	if err := ep.base().addCandidate(candidate); err != nil {
		p.logger.Debugw("Failed to add ICE candidate", "connection_id", pl.ConnectionID, "error", err)
	}
}

func (p *Peer) holdOrphan(id string, c webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.orphans[id]) >= maxOrphanCandidates {
		return
	}
	p.orphans[id] = append(p.orphans[id], c)
}

func (p *Peer) takeOrphans(id string) []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.orphans[id]
	delete(p.orphans, id)
	return out
}

var _ ports.PlatformPeer = (*Peer)(nil)
