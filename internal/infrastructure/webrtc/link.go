package webrtc

import (
	"encoding/json"
	"sync"

	"watchparty/internal/core/domain"
	"watchparty/internal/infrastructure/signal"

	"github.com/pion/webrtc/v3"
)

// link is the negotiation state shared by data connections and media calls.
// Each one owns a separate RTCPeerConnection.
type link struct {
	peer   *Peer
	id     string
	remote domain.PeerID
	typ    domain.ConnectionType
	kind   domain.StreamKind
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
	done      chan struct{}
}

// endpoint is what the peer keeps per connection id.
type endpoint interface {
	base() *link
	teardown()
}

func (p *Peer) newLink(id string, remote domain.PeerID, typ domain.ConnectionType, kind domain.StreamKind) (*link, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.iceServers})
	if err != nil {
		return nil, err
	}

	l := &link{
		peer:   p,
		id:     id,
		remote: remote,
		typ:    typ,
		kind:   kind,
		pc:     pc,
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.logger.Warnw("Failed to encode ICE candidate", "connection_id", id, "error", err)
			return
		}
		l.send(signal.MessageCandidate, func(pl *signal.Payload) { pl.Candidate = raw })
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debugw("Peer connection state changed",
			"connection_id", id,
			"remote", remote,
			"state", state.String(),
		)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go p.closeLink(id, false)
		}
	})

	return l, nil
}

func (l *link) payload() *signal.Payload {
	return &signal.Payload{
		ConnectionID:   l.id,
		ConnectionType: l.typ,
		StreamKind:     l.kind,
	}
}

func (l *link) send(t signal.MessageType, fill func(*signal.Payload)) error {
	pl := l.payload()
	if fill != nil {
		fill(pl)
	}
	return l.peer.send(signal.Envelope{Type: t, Dst: l.remote, Payload: pl})
}

// offer creates and sends the local offer.
func (l *link) offer() error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return l.send(signal.MessageOffer, func(pl *signal.Payload) { pl.SDP = offer.SDP })
}

// answer creates and sends the local answer to an applied remote offer.
func (l *link) answer() error {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return l.send(signal.MessageAnswer, func(pl *signal.Payload) { pl.SDP = answer.SDP })
}

// setRemote applies the remote description and flushes buffered candidates.
func (l *link) setRemote(sdpType webrtc.SDPType, sdp string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp}); err != nil {
		return err
	}

	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.remoteSet = true
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.peer.logger.Warnw("Failed to add buffered ICE candidate", "connection_id", l.id, "error", err)
		}
	}
	return nil
}

// addCandidate holds candidates until the remote description is set.
func (l *link) addCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c)
}

// markClosed reports whether this call closed the link.
func (l *link) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	close(l.done)
	return true
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *link) closePC() {
	if err := l.pc.Close(); err != nil {
		l.peer.logger.Debugw("Failed to close peer connection", "connection_id", l.id, "error", err)
	}
}
