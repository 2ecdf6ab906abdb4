package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/utils"

	"go.uber.org/zap"
)

const DefaultProbeTimeout = 2 * time.Second

type SessionConfig struct {
	Role     domain.Role
	Room     domain.RoomID // room to join; ignored for creators
	Features domain.Features

	ProbeTimeout time.Duration
}

type SessionDeps struct {
	Endpoint *Endpoint
	Registry *ConnectionRegistry
	Capture  *MediaCapture
	Comments ports.CommentLog
	Display  ports.Display
	Logger   *zap.SugaredLogger

	// OnComments is called with every comment snapshot of the room.
	OnComments func([]domain.Comment)
	Now        func() time.Time
}

// Session runs one participant of a room. Platform events enter through
// Dispatch and every state change happens under the session lock.
type Session struct {
	cfg        SessionConfig
	endpoint   *Endpoint
	registry   *ConnectionRegistry
	capture    *MediaCapture
	comments   ports.CommentLog
	display    ports.Display
	logger     *zap.SugaredLogger
	onComments func([]domain.Comment)
	now        func() time.Time

	mu          sync.Mutex
	state       domain.SessionState
	room        domain.RoomID
	startedAt   time.Time
	streams     map[domain.StreamKind]ports.LocalStream
	outbound    map[domain.StreamKind][]ports.MediaCall
	inbound     map[string]ports.MediaCall
	received    map[string]ports.RemoteStream // by call id
	remoteMuted map[domain.PeerID]bool
	commentList []domain.Comment
	unsubscribe func()

	sameDevice   bool
	probePending bool
	probeTimer   *time.Timer
}

func NewSession(cfg SessionConfig, deps SessionDeps) *Session {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if deps.Display == nil {
		deps.Display = NopDisplay{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Session{
		cfg:         cfg,
		endpoint:    deps.Endpoint,
		registry:    deps.Registry,
		capture:     deps.Capture,
		comments:    deps.Comments,
		display:     deps.Display,
		logger:      deps.Logger.With("role", cfg.Role),
		onComments:  deps.OnComments,
		now:         deps.Now,
		state:       domain.StateIdle,
		streams:     make(map[domain.StreamKind]ports.LocalStream),
		outbound:    make(map[domain.StreamKind][]ports.MediaCall),
		inbound:     make(map[string]ports.MediaCall),
		received:    make(map[string]ports.RemoteStream),
		remoteMuted: make(map[domain.PeerID]bool),
	}
}

// Start brings the session into its first active state: EndpointReady for a
// creator, ConnectedToRoom for a viewer. An EndpointError aborts room entry.
// A viewer that cannot reach the room releases its endpoint before returning.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session already started (state %s)", state)
	}

	id, err := s.endpoint.Initialize(ctx)
	if err == nil {
		if s.cfg.Role == domain.RoleCreator {
			s.startCreatorLocked(id)
		} else if err = s.startViewerLocked(ctx); err != nil {
			s.room = ""
			s.endpoint.Teardown()
		}
	}
	room, startedAt := s.room, s.startedAt
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if s.cfg.Role == domain.RoleCreator {
		if err := s.comments.MarkStarted(ctx, room, startedAt); err != nil {
			s.logger.Warnw("Failed to record stream start", "room_id", room, "error", err)
		}
	}
	s.subscribe(ctx, room)

	if s.cfg.Features.Webcam {
		if err := s.EnableShare(ctx, domain.StreamWebcam); err != nil {
			s.logger.Warnw("Webcam feature unavailable", "error", err)
		}
	}
	return nil
}

func (s *Session) startCreatorLocked(id domain.PeerID) {
	s.room = domain.RoomID(id)
	s.startedAt = s.now()
	s.state = domain.StateEndpointReady

	s.logger.Infow("Room open", "room_id", s.room, "entry", domain.RoomEntry{Code: s.room, Role: domain.RoleViewer}.Path())
}

func (s *Session) startViewerLocked(ctx context.Context) error {
	if s.cfg.Room == "" {
		return domain.ErrRoomNotFound
	}
	s.room = s.cfg.Room

	peer, err := s.endpoint.Peer()
	if err != nil {
		return err
	}

	conn, err := peer.Connect(ctx, domain.PeerID(s.room))
	if err != nil {
		s.logger.Errorw("Failed to connect to room", "room_id", s.room, "error", err)
		return fmt.Errorf("connect to room %s: %w", s.room, err)
	}
	s.registry.Track(conn)
	s.state = domain.StateConnectedToRoom

	s.logger.Infow("Joined room", "room_id", s.room, "connection_id", conn.ID())
	return nil
}

// subscribe runs outside the session lock because the first snapshot is
// delivered before Subscribe returns.
func (s *Session) subscribe(ctx context.Context, room domain.RoomID) {
	unsubscribe, err := s.comments.Subscribe(ctx, room, s.receiveComments)
	if err != nil {
		s.logger.Warnw("Comment subscription failed", "room_id", room, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateClosed {
		unsubscribe()
		return
	}
	s.unsubscribe = unsubscribe
}

func (s *Session) receiveComments(comments []domain.Comment) {
	snapshot := append([]domain.Comment(nil), comments...)

	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return
	}
	s.commentList = snapshot
	listener := s.onComments
	s.mu.Unlock()

	if listener != nil {
		listener(snapshot)
	}
}

// Run feeds platform events into Dispatch until the endpoint is torn down
// or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	peer, err := s.endpoint.Peer()
	if err != nil {
		return err
	}

	events := peer.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Dispatch(ctx, ev)
		}
	}
}

// Dispatch applies one platform event to the session.
func (s *Session) Dispatch(ctx context.Context, ev ports.PeerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return
	}

	switch ev.Kind {
	case ports.EventConnection:
		s.handleConnectionLocked(ctx, ev.Conn)
	case ports.EventConnectionOpen:
		s.handleConnectionOpenLocked(ctx, ev.Conn)
	case ports.EventData:
		s.handleDataLocked(ev.Conn, ev.Data)
	case ports.EventConnectionClose:
		s.logger.Infow("Data connection closed", "peer_id", ev.Conn.Peer(), "connection_id", ev.Conn.ID())
	case ports.EventCall:
		s.handleCallLocked(ev.Call)
	case ports.EventStream:
		s.handleStreamLocked(ev.Call, ev.Stream)
	case ports.EventCallClose:
		s.handleCallCloseLocked(ev.Call)
	case ports.EventError:
		s.logger.Errorw("Peer platform error", "error", ev.Err)
	default:
		s.logger.Warnw("Ignoring unknown peer event", "kind", ev.Kind)
	}
}

func (s *Session) handleConnectionLocked(ctx context.Context, conn ports.DataConn) {
	s.registry.Track(conn)

	for _, kind := range domain.StreamKinds {
		if stream, ok := s.streams[kind]; ok {
			s.callLocked(ctx, conn.Peer(), stream)
		}
	}
}

func (s *Session) handleConnectionOpenLocked(ctx context.Context, conn ports.DataConn) {
	s.logger.Infow("Data connection open", "peer_id", conn.Peer(), "connection_id", conn.ID())

	if s.cfg.Role == domain.RoleViewer {
		s.startProbeLocked(conn)
	}

	if s.cfg.Features.Voice {
		if _, active := s.streams[domain.StreamMicrophone]; !active {
			if err := s.enableLocked(ctx, domain.StreamMicrophone); err != nil {
				s.logger.Warnw("Voice feature unavailable", "error", err)
			}
		}
	}
}

func (s *Session) startProbeLocked(conn ports.DataConn) {
	data, err := domain.EncodeMessage(domain.CheckLocalDevice{})
	if err != nil {
		s.logger.Errorw("Failed to encode device probe", "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		s.logger.Warnw("Device probe not sent", "error", &domain.SendError{Peer: conn.Peer(), Cause: err})
		return
	}

	if s.probeTimer != nil {
		s.probeTimer.Stop()
	}
	s.probePending = true
	s.probeTimer = time.AfterFunc(s.cfg.ProbeTimeout, s.expireProbe)
}

func (s *Session) expireProbe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.probePending {
		s.probePending = false
		s.logger.Debugw("Device probe unanswered", "timeout", s.cfg.ProbeTimeout)
	}
}

func (s *Session) handleDataLocked(conn ports.DataConn, data []byte) {
	msg, err := domain.DecodeMessage(data)
	if err != nil {
		s.logger.Warnw("Dropping data message", "peer_id", conn.Peer(), "error", err)
		return
	}

	switch m := msg.(type) {
	case domain.CheckLocalDevice:
		reply, _ := domain.EncodeMessage(domain.IsLocalDevice{})
		if err := conn.Send(reply); err != nil {
			s.logger.Warnw("Device probe reply failed", "error", &domain.SendError{Peer: conn.Peer(), Cause: err})
		}
	case domain.IsLocalDevice:
		if !s.probePending {
			return
		}
		s.probePending = false
		if s.probeTimer != nil {
			s.probeTimer.Stop()
		}
		s.sameDevice = true
		s.logger.Infow("Room creator is on the same device", "peer_id", conn.Peer())
	case domain.MicStatus:
		peer := m.PeerID
		if peer == "" {
			peer = conn.Peer()
		}
		s.remoteMuted[peer] = m.IsMuted
		s.logger.Infow("Remote microphone status", "peer_id", peer, "muted", m.IsMuted)
	}
}

// handleCallLocked answers an incoming call with the local stream of the same
// kind when one is active, otherwise receive-only.
func (s *Session) handleCallLocked(call ports.MediaCall) {
	kind := call.Kind()
	stream := s.streams[kind]

	var answer ports.LocalStream
	if stream != nil {
		answer = stream
	}
	if err := call.Answer(answer); err != nil {
		s.logger.Errorw("Failed to answer call", "peer_id", call.Peer(), "kind", kind, "error", err)
		return
	}

	s.inbound[call.ID()] = call
	if stream != nil {
		s.outbound[kind] = append(s.outbound[kind], call)
	}
	s.logger.Infow("Call answered", "peer_id", call.Peer(), "kind", kind, "bidirectional", stream != nil)
}

func (s *Session) handleStreamLocked(call ports.MediaCall, stream ports.RemoteStream) {
	if stream == nil {
		return
	}
	s.received[call.ID()] = stream
	s.display.Attach(domain.RemoteSlot(stream.Kind()), stream)
	s.logger.Infow("Remote stream attached", "peer_id", stream.Peer(), "kind", stream.Kind())

	if s.state == domain.StateConnectedToRoom {
		s.state = domain.StateReceivingStreams
	}
}

func (s *Session) handleCallCloseLocked(call ports.MediaCall) {
	if call == nil {
		return
	}
	delete(s.inbound, call.ID())
	s.detachCallLocked(call)
	s.dropOutboundLocked(call)
	s.logger.Infow("Call closed", "peer_id", call.Peer(), "kind", call.Kind())
}

// detachCallLocked clears the remote slot if it still shows what call
// delivered; a newer call of the same kind keeps its slot.
func (s *Session) detachCallLocked(call ports.MediaCall) {
	stream, ok := s.received[call.ID()]
	if !ok {
		return
	}
	delete(s.received, call.ID())
	s.display.Detach(domain.RemoteSlot(stream.Kind()), stream)
}

func (s *Session) dropOutboundLocked(call ports.MediaCall) {
	calls := s.outbound[call.Kind()]
	for i, c := range calls {
		if c.ID() == call.ID() {
			s.outbound[call.Kind()] = append(calls[:i:i], calls[i+1:]...)
			return
		}
	}
}

func (s *Session) canShare(kind domain.StreamKind) bool {
	if !kind.Valid() {
		return false
	}
	return s.cfg.Role == domain.RoleCreator || kind != domain.StreamDisplay
}

// EnableShare captures kind and calls every peer that should receive it.
// A CaptureError leaves the share off.
func (s *Session) EnableShare(ctx context.Context, kind domain.StreamKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enableLocked(ctx, kind)
}

func (s *Session) enableLocked(ctx context.Context, kind domain.StreamKind) error {
	if s.state == domain.StateClosed {
		return domain.ErrSessionClosed
	}
	if s.state == domain.StateIdle {
		return domain.ErrEndpointNotReady
	}
	if !s.canShare(kind) {
		return fmt.Errorf("%s as %s: %w", kind, s.cfg.Role, domain.ErrShareNotAllowed)
	}
	if _, active := s.streams[kind]; active {
		return nil
	}

	stream, err := s.capture.Acquire(ctx, kind, domain.DefaultConstraints(kind))
	if err != nil {
		s.logger.Warnw("Share failed", "kind", kind, "error", err)
		return err
	}
	s.streams[kind] = stream

	if s.cfg.Role == domain.RoleCreator {
		s.state = domain.StateSharing
		for _, peer := range s.registry.Peers() {
			s.callLocked(ctx, peer, stream)
		}
	} else {
		s.callLocked(ctx, domain.PeerID(s.room), stream)
	}

	s.logger.Infow("Share enabled", "kind", kind, "calls", len(s.outbound[kind]))
	return nil
}

func (s *Session) callLocked(ctx context.Context, remote domain.PeerID, stream ports.LocalStream) {
	peer, err := s.endpoint.Peer()
	if err != nil {
		s.logger.Errorw("Cannot place call", "peer_id", remote, "error", err)
		return
	}

	call, err := peer.Call(ctx, remote, stream)
	if err != nil {
		s.logger.Errorw("Call failed", "peer_id", remote, "kind", stream.Kind(), "error", err)
		return
	}
	s.outbound[stream.Kind()] = append(s.outbound[stream.Kind()], call)
}

// DisableShare releases kind and hangs up the calls that carried it.
// Disabling an inactive share does nothing.
func (s *Session) DisableShare(kind domain.StreamKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return domain.ErrSessionClosed
	}
	s.disableLocked(kind)
	return nil
}

func (s *Session) disableLocked(kind domain.StreamKind) {
	stream, ok := s.streams[kind]
	if !ok {
		return
	}

	for _, call := range s.outbound[kind] {
		delete(s.inbound, call.ID())
		s.detachCallLocked(call)
		if err := call.Close(); err != nil {
			s.logger.Warnw("Error closing call", "peer_id", call.Peer(), "kind", kind, "error", err)
		}
	}
	delete(s.outbound, kind)
	delete(s.streams, kind)
	s.capture.Release(stream)

	if s.state == domain.StateSharing && len(s.streams) == 0 {
		s.state = domain.StateEndpointReady
	}
	s.logger.Infow("Share disabled", "kind", kind)
}

// ToggleShare flips kind and reports whether it is now on.
func (s *Session) ToggleShare(ctx context.Context, kind domain.StreamKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.streams[kind]; active {
		s.disableLocked(kind)
		return false, nil
	}
	if err := s.enableLocked(ctx, kind); err != nil {
		return false, err
	}
	return true, nil
}

// ToggleMute flips the microphone's audio tracks without stopping capture
// and tells every connected peer. It returns the new muted state.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mic, ok := s.streams[domain.StreamMicrophone]
	if !ok {
		return false, domain.ErrNoMicrophone
	}

	tracks := mic.AudioTracks()
	if len(tracks) == 0 {
		return false, domain.ErrNoMicrophone
	}
	enabled := !tracks[0].Enabled()
	for _, track := range tracks {
		track.SetEnabled(enabled)
	}
	muted := !enabled

	id, _ := s.endpoint.Current()
	delivered := s.registry.Broadcast(domain.MicStatus{IsMuted: muted, PeerID: id})
	s.logger.Infow("Microphone toggled", "muted", muted, "notified", delivered)
	return muted, nil
}

// PostComment appends text to the room's comment log, stamped with the
// offset from the creator's stream start. A failed append is not retried.
func (s *Session) PostComment(ctx context.Context, text string) (domain.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Comment{}, domain.ErrEmptyComment
	}

	s.mu.Lock()
	if s.state == domain.StateClosed || s.state == domain.StateIdle {
		s.mu.Unlock()
		return domain.Comment{}, domain.ErrSessionClosed
	}
	room, startedAt := s.room, s.startedAt
	s.mu.Unlock()

	if startedAt.IsZero() {
		var err error
		startedAt, err = s.comments.StartedAt(ctx, room)
		if err != nil {
			if !errors.Is(err, domain.ErrStreamNotStarted) {
				s.logger.Warnw("Failed to read stream start", "room_id", room, "error", err)
			}
			return domain.Comment{}, err
		}
		s.mu.Lock()
		s.startedAt = startedAt
		s.mu.Unlock()
	}

	comment, err := s.comments.Append(ctx, domain.Comment{
		RoomID:    room,
		Text:      text,
		Timestamp: domain.OffsetSince(startedAt, s.now()),
		Author:    s.cfg.Role.Author(),
	})
	if err != nil {
		s.logger.Warnw("Comment dropped", "room_id", room, "text", utils.TruncateString(text, 40), "error", err)
		return domain.Comment{}, err
	}
	return comment, nil
}

// Leave ends the session: calls are hung up, streams released, connections
// closed and the endpoint torn down, which stops Run.
func (s *Session) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return
	}
	s.state = domain.StateClosed

	if s.probeTimer != nil {
		s.probeTimer.Stop()
	}
	s.probePending = false

	for _, kind := range domain.StreamKinds {
		if _, ok := s.streams[kind]; ok {
			s.disableLocked(kind)
		}
	}
	for id, call := range s.inbound {
		_ = call.Close()
		s.detachCallLocked(call)
		delete(s.inbound, id)
	}
	for id, stream := range s.received {
		s.display.Detach(domain.RemoteSlot(stream.Kind()), stream)
		delete(s.received, id)
	}

	s.registry.CloseAll()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.endpoint.Teardown()

	s.logger.Infow("Left room", "room_id", s.room)
}

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the room code, which for a creator is its own identity.
func (s *Session) Room() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) Role() domain.Role {
	return s.cfg.Role
}

// Comments returns the latest comment snapshot.
func (s *Session) Comments() []domain.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Comment(nil), s.commentList...)
}

// Sharing returns the active share kinds in call order.
func (s *Session) Sharing() []domain.StreamKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kinds []domain.StreamKind
	for _, kind := range domain.StreamKinds {
		if _, ok := s.streams[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// LocalStream returns the active stream of kind, if any.
func (s *Session) LocalStream(kind domain.StreamKind) (ports.LocalStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[kind]
	return stream, ok
}

// SameDevice reports whether the room creator answered the device probe.
// It is informational only.
func (s *Session) SameDevice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sameDevice
}

// RemoteMuted returns the last microphone status announced by peer.
func (s *Session) RemoteMuted(peer domain.PeerID) (muted bool, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	muted, known = s.remoteMuted[peer]
	return muted, known
}

func (s *Session) Connections() []domain.Connection {
	return s.registry.Connections()
}
