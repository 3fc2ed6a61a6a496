// Package transport wraps one WebRTC peer connection and its single ordered
// reliable data channel. Signaling (offers, answers, ICE candidates) is the
// caller's job; the wrapper surfaces everything through an events channel.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DataChannelLabel names the sync channel on every connection.
const DataChannelLabel = "gardensync"

// ErrChannelNotOpen is returned by Send before the data channel opens or
// after it closes.
var ErrChannelNotOpen = errors.New("transport: data channel is not open")

// DefaultICEServers are used when the config lists none.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// EventType identifies transport events.
type EventType string

const (
	// EventICECandidate carries a local candidate to forward to the peer.
	EventICECandidate EventType = "ice_candidate"
	// EventStateChange reports the peer connection state.
	EventStateChange EventType = "state_change"
	// EventChannelOpen fires when the data channel becomes usable.
	EventChannelOpen EventType = "channel_open"
	// EventMessage carries one data channel message.
	EventMessage EventType = "message"
	// EventChannelClose fires when the data channel closes.
	EventChannelClose EventType = "channel_close"
	// EventError reports an asynchronous failure.
	EventError EventType = "error"
)

// Event is one asynchronous transport notification.
type Event struct {
	Type      EventType
	Candidate *webrtc.ICECandidateInit
	State     webrtc.PeerConnectionState
	Data      []byte
	Err       error
}

// Config controls peer connection setup.
type Config struct {
	ICEServers []string
	Logger     *zap.Logger
}

// Peer is one WebRTC connection to a single remote device.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	queue candidateQueue

	mu      sync.Mutex
	channel *webrtc.DataChannel
	open    bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a peer connection. The data channel is created by CreateOffer
// on the dialing side and adopted from the remote on the answering side.
func New(cfg Config) (*Peer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:     pc,
		logger: logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		p.emit(Event{Type: EventICECandidate, Candidate: &init})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.emit(Event{Type: EventStateChange, State: state})
	})

	pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != DataChannelLabel {
			p.logger.Warn("ignoring unexpected data channel", zap.String("label", channel.Label()))
			return
		}
		p.adoptChannel(channel)
	})

	return p, nil
}

// Events delivers asynchronous transport notifications. The channel is never
// closed; stop reading after Close.
func (p *Peer) Events() <-chan Event {
	return p.events
}

// CreateOffer creates the data channel and the local offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	channel, err := p.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
	}
	p.adoptChannel(channel)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

// CreateAnswer applies a remote offer and produces the local answer.
// Candidates buffered before this call are flushed here.
func (p *Peer) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

// SetRemoteAnswer applies the remote answer on the dialing side. Candidates
// buffered before this call are flushed here.
func (p *Peer) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.flushCandidates()
	return nil
}

// AddICECandidate applies a remote candidate, buffering it when the remote
// description is not set yet.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if !p.queue.add(candidate) {
		return nil
	}
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (p *Peer) flushCandidates() {
	for _, candidate := range p.queue.markReady() {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			p.logger.Warn("apply buffered ICE candidate", zap.Error(err))
		}
	}
}

// Send writes one message to the data channel.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	channel := p.channel
	open := p.open
	p.mu.Unlock()

	if channel == nil || !open {
		return ErrChannelNotOpen
	}
	if err := channel.Send(data); err != nil {
		return fmt.Errorf("send on data channel: %w", err)
	}
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

func (p *Peer) adoptChannel(channel *webrtc.DataChannel) {
	p.mu.Lock()
	p.channel = channel
	p.mu.Unlock()

	channel.OnOpen(func() {
		p.mu.Lock()
		p.open = true
		p.mu.Unlock()
		p.emit(Event{Type: EventChannelOpen})
	})

	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.emit(Event{Type: EventMessage, Data: msg.Data})
	})

	channel.OnClose(func() {
		p.mu.Lock()
		p.open = false
		p.mu.Unlock()
		p.emit(Event{Type: EventChannelClose})
	})

	channel.OnError(func(err error) {
		p.emit(Event{Type: EventError, Err: err})
	})
}

// emit drops events once the peer is closed or the buffer is full; a stalled
// consumer must not block WebRTC callbacks.
func (p *Peer) emit(event Event) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.events <- event:
	default:
		p.logger.Warn("transport event dropped", zap.String("type", string(event.Type)))
	}
}
