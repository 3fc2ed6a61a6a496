package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"gardensync/storage"
	"gardensync/transport"
)

// fakeRelay routes envelopes between in-process connections by registered
// address, answering unknown targets with peer-unavailable.
type fakeRelay struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{conns: make(map[string]*fakeConn)}
}

func (r *fakeRelay) signaler() Signaler {
	return &fakeSignaler{relay: r}
}

type fakeSignaler struct {
	relay *fakeRelay
}

func (s *fakeSignaler) Connect(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeConn{relay: s.relay, inbox: make(chan Envelope, 64), closed: make(chan struct{})}, nil
}

type fakeConn struct {
	relay     *fakeRelay
	inbox     chan Envelope
	closed    chan struct{}
	closeOnce sync.Once
	address   string
}

func (c *fakeConn) Send(envelope Envelope) error {
	select {
	case <-c.closed:
		return errors.New("fake conn closed")
	default:
	}

	if envelope.Type == EnvelopeRegister {
		c.relay.mu.Lock()
		c.address = envelope.From
		c.relay.conns[envelope.From] = c
		c.relay.mu.Unlock()
		return nil
	}

	c.relay.mu.Lock()
	target := c.relay.conns[envelope.To]
	c.relay.mu.Unlock()

	if target == nil {
		c.deliver(Envelope{Type: EnvelopePeerUnavailable, From: envelope.To, To: envelope.From})
		return nil
	}
	target.deliver(envelope)
	return nil
}

func (c *fakeConn) deliver(envelope Envelope) {
	select {
	case c.inbox <- envelope:
	case <-c.closed:
	}
}

func (c *fakeConn) Receive() (Envelope, error) {
	select {
	case envelope := <-c.inbox:
		return envelope, nil
	case <-c.closed:
		return Envelope{}, errors.New("fake conn closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.relay.mu.Lock()
		if c.address != "" && c.relay.conns[c.address] == c {
			delete(c.relay.conns, c.address)
		}
		c.relay.mu.Unlock()
	})
	return nil
}

// fakeNetwork pairs fake transports by SDP exchange: a transport that
// answers an offer gets linked to the offering transport once the answer is
// applied, and both emit ChannelOpen.
type fakeNetwork struct {
	mu      sync.Mutex
	seq     int
	offers  map[string]*fakeTransport
	answers map[string]*fakeTransport
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		offers:  make(map[string]*fakeTransport),
		answers: make(map[string]*fakeTransport),
	}
}

func (n *fakeNetwork) newTransport() (Transport, error) {
	return &fakeTransport{net: n, events: make(chan transport.Event, 64)}, nil
}

type fakeTransport struct {
	net    *fakeNetwork
	events chan transport.Event

	mu     sync.Mutex
	peer   *fakeTransport
	open   bool
	closed bool
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	t.net.seq++
	sdp := fmt.Sprintf("offer-%d", t.net.seq)
	t.net.offers[sdp] = t
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (t *fakeTransport) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if t.net.offers[offer.SDP] == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown offer %q", offer.SDP)
	}
	sdp := "answer-to-" + offer.SDP
	t.net.answers[sdp] = t
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}, nil
}

func (t *fakeTransport) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	t.net.mu.Lock()
	answerer := t.net.answers[answer.SDP]
	t.net.mu.Unlock()

	if answerer == nil {
		return fmt.Errorf("unknown answer %q", answer.SDP)
	}
	link(t, answerer)
	return nil
}

func link(a, b *fakeTransport) {
	a.mu.Lock()
	a.peer, a.open = b, true
	aClosed := a.closed
	a.mu.Unlock()

	b.mu.Lock()
	b.peer, b.open = a, true
	bClosed := b.closed
	b.mu.Unlock()

	if aClosed || bClosed {
		return
	}
	a.emit(transport.Event{Type: transport.EventChannelOpen})
	b.emit(transport.Event{Type: transport.EventChannelOpen})
}

func (t *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return nil
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	peer := t.peer
	open := t.open && !t.closed
	t.mu.Unlock()

	if peer == nil || !open {
		return transport.ErrChannelNotOpen
	}
	peer.emit(transport.Event{Type: transport.EventMessage, Data: data})
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	wasOpen := t.open
	t.open = false
	peer := t.peer
	t.mu.Unlock()

	if wasOpen {
		t.emit(transport.Event{Type: transport.EventChannelClose})
		if peer != nil {
			peer.mu.Lock()
			peerOpen := peer.open
			peer.open = false
			peer.mu.Unlock()
			if peerOpen {
				peer.emit(transport.Event{Type: transport.EventChannelClose})
			}
		}
	}
	return nil
}

func (t *fakeTransport) Events() <-chan transport.Event {
	return t.events
}

func (t *fakeTransport) emit(event transport.Event) {
	select {
	case t.events <- event:
	default:
	}
}

// fakeRegistry is a mutable in-memory paired device registry.
type fakeRegistry struct {
	mu      sync.Mutex
	devices []storage.PairedDevice
}

func (r *fakeRegistry) ListPairedDevices() ([]storage.PairedDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.PairedDevice(nil), r.devices...), nil
}

func (r *fakeRegistry) add(publicKey, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, storage.PairedDevice{PublicKey: publicKey, DeviceName: name})
}

// fakeSecurityLog captures recorded security events.
type fakeSecurityLog struct {
	mu     sync.Mutex
	events []storage.SecurityEvent
}

func (l *fakeSecurityLog) LogSecurityEvent(event storage.SecurityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *fakeSecurityLog) byType(eventType string) []storage.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []storage.SecurityEvent
	for _, event := range l.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}
