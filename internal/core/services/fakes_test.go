package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
)

var errSendFailed = errors.New("channel closed")

type fakePlatform struct {
	mu         sync.Mutex
	nextID     int
	opens      int
	err        error
	connectErr error
	peers      []*fakePeer
}

func (p *fakePlatform) Open(ctx context.Context) (ports.PlatformPeer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.opens++
	if p.err != nil {
		return nil, p.err
	}
	p.nextID++
	peer := newFakePeer(domain.PeerID(fmt.Sprintf("peer-%d", p.nextID)))
	peer.connectErr = p.connectErr
	p.peers = append(p.peers, peer)
	return peer, nil
}

func (p *fakePlatform) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

type fakePeer struct {
	id     domain.PeerID
	events chan ports.PeerEvent

	mu         sync.Mutex
	closed     bool
	callErr    error
	connectErr error
	calls      []*fakeCall
	conns      []*fakeConn
}

func newFakePeer(id domain.PeerID) *fakePeer {
	return &fakePeer{id: id, events: make(chan ports.PeerEvent, 64)}
}

func (p *fakePeer) ID() domain.PeerID { return p.id }

func (p *fakePeer) Connect(ctx context.Context, remote domain.PeerID) (ports.DataConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	conn := newFakeConn(fmt.Sprintf("dc-%d", len(p.conns)+1), remote)
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *fakePeer) Call(ctx context.Context, remote domain.PeerID, stream ports.LocalStream) (ports.MediaCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.callErr != nil {
		return nil, p.callErr
	}
	call := &fakeCall{id: fmt.Sprintf("mc-%d", len(p.calls)+1), peer: remote, kind: stream.Kind(), stream: stream}
	p.calls = append(p.calls, call)
	return call, nil
}

func (p *fakePeer) Events() <-chan ports.PeerEvent { return p.events }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

func (p *fakePeer) Calls() []*fakeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeCall(nil), p.calls...)
}

func (p *fakePeer) Conns() []*fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeConn(nil), p.conns...)
}

func (p *fakePeer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConn struct {
	id   string
	peer domain.PeerID

	mu      sync.Mutex
	open    bool
	sendErr error
	sent    [][]byte
	onClose []func()
}

func newFakeConn(id string, peer domain.PeerID) *fakeConn {
	return &fakeConn{id: id, peer: peer, open: true}
}

func (c *fakeConn) ID() string          { return c.id }
func (c *fakeConn) Peer() domain.PeerID { return c.peer }

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	observers := c.onClose
	c.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
	return nil
}

func (c *fakeConn) Sent() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Message
	for _, data := range c.sent {
		if msg, err := domain.DecodeMessage(data); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

type fakeCall struct {
	id     string
	peer   domain.PeerID
	kind   domain.StreamKind
	stream ports.LocalStream

	mu       sync.Mutex
	answered bool
	answer   ports.LocalStream
	closed   bool
}

func (c *fakeCall) ID() string              { return c.id }
func (c *fakeCall) Peer() domain.PeerID     { return c.peer }
func (c *fakeCall) Kind() domain.StreamKind { return c.kind }

func (c *fakeCall) Answer(stream ports.LocalStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = true
	c.answer = stream
	return nil
}

func (c *fakeCall) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCall) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTrack struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeStream struct {
	id     string
	kind   domain.StreamKind
	tracks []*fakeTrack
}

func (s *fakeStream) ID() string              { return s.id }
func (s *fakeStream) Kind() domain.StreamKind { return s.kind }

func (s *fakeStream) Tracks() []ports.LocalTrack {
	out := make([]ports.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *fakeStream) AudioTracks() []ports.LocalTrack {
	var out []ports.LocalTrack
	for _, t := range s.tracks {
		if t.kind == domain.TrackAudio {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *fakeStream) Stopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

type captureRequest struct {
	kind        domain.StreamKind
	constraints domain.Constraints
	at          time.Time
}

// fakeEnv fails the first `failures[kind]` requests for a kind.
type fakeEnv struct {
	mu       sync.Mutex
	failures map[domain.StreamKind]int
	requests []captureRequest
	next     int
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{failures: make(map[domain.StreamKind]int)}
}

func (e *fakeEnv) Capture(ctx context.Context, kind domain.StreamKind, constraints domain.Constraints) (ports.LocalStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, captureRequest{kind: kind, constraints: constraints, at: time.Now()})
	if e.failures[kind] > 0 {
		e.failures[kind]--
		return nil, domain.ErrConstraintsNotSatisfied
	}

	e.next++
	stream := &fakeStream{id: fmt.Sprintf("%s-%d", kind, e.next), kind: kind}
	switch kind {
	case domain.StreamMicrophone:
		stream.tracks = []*fakeTrack{{id: "audio", kind: domain.TrackAudio, enabled: true}}
	case domain.StreamDisplay:
		stream.tracks = []*fakeTrack{
			{id: "video", kind: domain.TrackVideo, enabled: true},
			{id: "audio", kind: domain.TrackAudio, enabled: true},
		}
	default:
		stream.tracks = []*fakeTrack{{id: "video", kind: domain.TrackVideo, enabled: true}}
	}
	return stream, nil
}

func (e *fakeEnv) Requests() []captureRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]captureRequest(nil), e.requests...)
}

type fakeDisplay struct {
	mu    sync.Mutex
	slots map[domain.Slot]ports.MediaStream
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{slots: make(map[domain.Slot]ports.MediaStream)}
}

func (d *fakeDisplay) Attach(slot domain.Slot, stream ports.MediaStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots[slot] = stream
}

func (d *fakeDisplay) Detach(slot domain.Slot, stream ports.MediaStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.slots[slot]; ok && cur.ID() == stream.ID() {
		delete(d.slots, slot)
	}
}

func (d *fakeDisplay) Get(slot domain.Slot) (ports.MediaStream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[slot]
	return s, ok
}

type fakeRemoteStream struct {
	id   string
	kind domain.StreamKind
	peer domain.PeerID
}

func (s *fakeRemoteStream) ID() string              { return s.id }
func (s *fakeRemoteStream) Kind() domain.StreamKind { return s.kind }
func (s *fakeRemoteStream) Peer() domain.PeerID     { return s.peer }

// fakeCommentLog is an in-memory comment log shared by both participants
// of a test.
type fakeCommentLog struct {
	mu        sync.Mutex
	comments  []domain.Comment
	started   map[domain.RoomID]time.Time
	subs      map[domain.RoomID][]func([]domain.Comment)
	appendErr error
	next      int
}

func newFakeCommentLog() *fakeCommentLog {
	return &fakeCommentLog{
		started: make(map[domain.RoomID]time.Time),
		subs:    make(map[domain.RoomID][]func([]domain.Comment)),
	}
}

func (l *fakeCommentLog) Subscribe(ctx context.Context, roomID domain.RoomID, onUpdate func([]domain.Comment)) (func(), error) {
	l.mu.Lock()
	l.subs[roomID] = append(l.subs[roomID], onUpdate)
	snapshot := l.roomLocked(roomID)
	l.mu.Unlock()

	onUpdate(snapshot)
	return func() {}, nil
}

func (l *fakeCommentLog) Append(ctx context.Context, c domain.Comment) (domain.Comment, error) {
	l.mu.Lock()
	if l.appendErr != nil {
		l.mu.Unlock()
		return domain.Comment{}, &domain.PersistenceError{Op: "append", Room: c.RoomID, Cause: l.appendErr}
	}
	l.next++
	c.ID = fmt.Sprintf("c-%d", l.next)
	l.comments = append(l.comments, c)
	snapshot := l.roomLocked(c.RoomID)
	subs := append([]func([]domain.Comment){}, l.subs[c.RoomID]...)
	l.mu.Unlock()

	for _, cb := range subs {
		cb(snapshot)
	}
	return c, nil
}

func (l *fakeCommentLog) MarkStarted(ctx context.Context, roomID domain.RoomID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started[roomID] = at
	return nil
}

func (l *fakeCommentLog) StartedAt(ctx context.Context, roomID domain.RoomID) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.started[roomID]
	if !ok {
		return time.Time{}, domain.ErrStreamNotStarted
	}
	return at, nil
}

func (l *fakeCommentLog) roomLocked(roomID domain.RoomID) []domain.Comment {
	var out []domain.Comment
	for _, c := range l.comments {
		if c.RoomID == roomID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
