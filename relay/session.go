package relay

import (
	"time"

	"github.com/pion/webrtc/v4"

	"gardensync/transport"
)

// sessionState tracks one peer's connection lifecycle. Absence from the
// session table is the idle state.
type sessionState string

const (
	stateIdle            sessionState = "idle"
	statePendingOutbound sessionState = "pendingOutbound"
	statePendingInbound  sessionState = "pendingInbound"
	stateOpen            sessionState = "open"
)

// Transport is the slice of transport.Peer the coordinator drives. Tests
// substitute in-process fakes; production uses *transport.Peer.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Send(data []byte) error
	Close() error
	Events() <-chan transport.Event
}

// session is one peer's live state, keyed in the coordinator by full public
// key. At most one session exists per key.
type session struct {
	peerKey   string
	address   string
	state     sessionState
	transport Transport
	timeout   *time.Timer
}

func (s *session) pending() bool {
	return s.state == statePendingOutbound || s.state == statePendingInbound
}

// stopTimeout disarms the connection timeout, if armed.
func (s *session) stopTimeout() {
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
}
