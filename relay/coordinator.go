package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"gardensync/storage"
	"gardensync/transport"
)

const (
	// DefaultConnectTimeout bounds how long a peer session may stay pending.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultReconnectDelay is the wait between relay connection attempts.
	DefaultReconnectDelay = 5 * time.Second
)

var (
	// ErrNoOpenSession is returned by Send when no open session exists.
	ErrNoOpenSession = errors.New("relay: no open session for peer")
	// ErrNotConnected is returned when the relay connection is down.
	ErrNotConnected = errors.New("relay: not connected")
)

// State is the coordinator's relay connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

// Registry resolves paired devices. *storage.Store satisfies it.
type Registry interface {
	ListPairedDevices() ([]storage.PairedDevice, error)
}

// SecurityRecorder persists security events. *storage.Store satisfies it.
type SecurityRecorder interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}

// SessionEventType identifies peer session lifecycle updates.
type SessionEventType string

const (
	// SessionOpened fires once when a peer's data channel opens.
	SessionOpened SessionEventType = "session_opened"
	// SessionClosed fires once when an open session ends.
	SessionClosed SessionEventType = "session_closed"
	// SessionMessage carries one raw data channel frame.
	SessionMessage SessionEventType = "session_message"
)

// SessionEvent is one peer session notification. PeerKey is always the full
// base64 public key from the paired registry.
type SessionEvent struct {
	Type    SessionEventType
	PeerKey string
	Data    []byte
}

// Config controls the coordinator.
type Config struct {
	SelfPublicKey  string
	Signaler       Signaler
	Registry       Registry
	Security       SecurityRecorder
	Logger         *zap.Logger
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	ICEServers     []string

	newTransport func() (Transport, error)
}

// Coordinator maintains the relay connection and one session per paired
// peer. Sessions are keyed by full public key; relay addresses are derived
// and only used on the wire.
type Coordinator struct {
	cfg         Config
	logger      *zap.Logger
	selfAddress string

	mu       sync.Mutex
	state    State
	conn     Conn
	sessions map[string]*session

	events chan SessionEvent
	errors chan error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewCoordinator validates config and creates a stopped coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.SelfPublicKey == "" {
		return nil, errors.New("relay: self public key is required")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("relay: signaler is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("relay: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.newTransport == nil {
		iceServers := cfg.ICEServers
		logger := cfg.Logger
		cfg.newTransport = func() (Transport, error) {
			return transport.New(transport.Config{ICEServers: iceServers, Logger: logger})
		}
	}

	return &Coordinator{
		cfg:         cfg,
		logger:      cfg.Logger,
		selfAddress: PeerAddress(cfg.SelfPublicKey),
		state:       StateDisconnected,
		sessions:    make(map[string]*session),
		events:      make(chan SessionEvent, 256),
		errors:      make(chan error, 32),
	}, nil
}

// Start connects to the relay in the background and keeps reconnecting
// until Stop.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(context.Background())
		c.done = make(chan struct{})
		c.wg.Add(1)
		go c.run()
	})
}

// Stop is terminal: the relay connection and all sessions are torn down and
// the events channel closes.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.conn = nil
		sessions := make([]*session, 0, len(c.sessions))
		for _, sess := range c.sessions {
			sessions = append(sessions, sess)
		}
		c.sessions = make(map[string]*session)
		if c.done != nil {
			close(c.done)
		} else {
			c.done = make(chan struct{})
			close(c.done)
		}
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		for _, sess := range sessions {
			sess.stopTimeout()
			sess.transport.Close()
		}

		c.wg.Wait()
		close(c.events)
	})
}

// Events delivers session lifecycle and message notifications.
func (c *Coordinator) Events() <-chan SessionEvent {
	return c.events
}

// Errors surfaces asynchronous failures.
func (c *Coordinator) Errors() <-chan error {
	return c.errors
}

// ConnectionState returns the relay connection state.
func (c *Coordinator) ConnectionState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one frame to a peer's open session.
func (c *Coordinator) Send(peerKey string, data []byte) error {
	c.mu.Lock()
	sess := c.sessions[peerKey]
	var t Transport
	if sess != nil && sess.state == stateOpen {
		t = sess.transport
	}
	c.mu.Unlock()

	if t == nil {
		return ErrNoOpenSession
	}
	return t.Send(data)
}

// CloseSession tears down a peer's session, if any. Used when
// authentication fails.
func (c *Coordinator) CloseSession(peerKey string) {
	c.mu.Lock()
	sess := c.sessions[peerKey]
	var t Transport
	if sess != nil {
		t = sess.transport
	}
	c.mu.Unlock()

	if t != nil {
		c.closeSession(peerKey, t, "requested")
	}
}

// Dial starts an outbound session to a paired peer, unless one is already
// pending or open.
func (c *Coordinator) Dial(peerKey string) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.sessions[peerKey] != nil {
		c.mu.Unlock()
		return nil
	}

	t, err := c.cfg.newTransport()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("create transport: %w", err)
	}

	sess := &session{
		peerKey:   peerKey,
		address:   PeerAddress(peerKey),
		transport: t,
	}
	c.transitionLocked(sess, statePendingOutbound)
	c.armTimeoutLocked(sess)
	c.sessions[peerKey] = sess
	c.mu.Unlock()

	c.startPump(peerKey, t)

	offer, err := t.CreateOffer()
	if err != nil {
		c.closeSession(peerKey, t, "offer failed")
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.sendSignal(EnvelopeOffer, sess.address, offer); err != nil {
		c.closeSession(peerKey, t, "signal failed")
		return err
	}
	return nil
}

// transitionLocked is the single choke point for session state changes.
// Caller holds c.mu.
func (c *Coordinator) transitionLocked(sess *session, to sessionState) {
	from := sess.state
	if from == "" {
		from = stateIdle
	}
	sess.state = to
	c.logger.Debug("session transition",
		zap.String("peer_address", sess.address),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// armTimeoutLocked starts the pending-connection timeout. Caller holds c.mu.
func (c *Coordinator) armTimeoutLocked(sess *session) {
	peerKey, t := sess.peerKey, sess.transport
	sess.timeout = time.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.onConnectTimeout(peerKey, t)
	})
}

func (c *Coordinator) onConnectTimeout(peerKey string, t Transport) {
	c.mu.Lock()
	sess := c.sessions[peerKey]
	if sess == nil || sess.transport != t || !sess.pending() {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, peerKey)
	c.mu.Unlock()

	c.logger.Warn("peer connection timed out", zap.String("peer_address", PeerAddress(peerKey)))
	t.Close()
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.cfg.Signaler.Connect(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.reportError(fmt.Errorf("connect to relay: %w", err))
			c.setState(StateDisconnected)
			if !c.waitReconnect() {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()

		c.logger.Info("relay connected")

		if err := conn.Send(Envelope{Type: EnvelopeRegister, From: c.selfAddress}); err != nil {
			c.reportError(fmt.Errorf("register with relay: %w", err))
		} else {
			c.dialRegistry()
		}

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		closed := c.state == StateClosed
		if !closed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		conn.Close()

		if closed {
			return
		}
		c.logger.Warn("relay connection lost, reconnecting",
			zap.Duration("delay", c.cfg.ReconnectDelay))
		if !c.waitReconnect() {
			return
		}
	}
}

// waitReconnect sleeps one reconnect delay. The run loop is the only caller,
// so at most one reconnect timer ever exists.
func (c *Coordinator) waitReconnect() bool {
	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) dialRegistry() {
	devices, err := c.cfg.Registry.ListPairedDevices()
	if err != nil {
		c.reportError(fmt.Errorf("list paired devices: %w", err))
		return
	}
	for _, device := range devices {
		if err := c.Dial(device.PublicKey); err != nil && !errors.Is(err, ErrNotConnected) {
			c.reportError(fmt.Errorf("dial %s: %w", PeerAddress(device.PublicKey), err))
		}
	}
}

func (c *Coordinator) readLoop(conn Conn) {
	for {
		envelope, err := conn.Receive()
		if err != nil {
			return
		}
		c.handleEnvelope(envelope)
	}
}

func (c *Coordinator) handleEnvelope(envelope Envelope) {
	switch envelope.Type {
	case EnvelopeOffer:
		c.handleOffer(envelope)
	case EnvelopeAnswer:
		c.handleAnswer(envelope)
	case EnvelopeICE:
		c.handleICE(envelope)
	case EnvelopePeerUnavailable:
		c.handlePeerUnavailable(envelope)
	default:
		c.logger.Debug("ignoring unknown signaling envelope", zap.String("type", envelope.Type))
	}
}

func (c *Coordinator) handleOffer(envelope Envelope) {
	peerKey, ok := c.resolveAddress(envelope.From)
	if !ok {
		c.logger.Info("rejected offer from unpaired address", zap.String("from", envelope.From))
		c.recordSecurityEvent(storage.SecurityEvent{
			EventType: "unpaired_peer_rejected",
			Severity:  storage.SecuritySeverityWarning,
			Details:   fmt.Sprintf(`{"address":%q}`, envelope.From),
		})
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(envelope.Payload, &offer); err != nil {
		c.logger.Warn("malformed offer payload", zap.String("from", envelope.From), zap.Error(err))
		return
	}

	c.mu.Lock()
	if existing := c.sessions[peerKey]; existing != nil {
		if existing.state == stateOpen {
			c.mu.Unlock()
			c.logger.Debug("ignoring offer for open session", zap.String("from", envelope.From))
			return
		}
		// Simultaneous dial: the side with the lower address yields to the
		// inbound offer; the other keeps its outbound attempt. Exactly one
		// connection per key survives the race.
		if existing.state == statePendingOutbound {
			if c.selfAddress > envelope.From {
				c.mu.Unlock()
				c.logger.Debug("simultaneous dial, keeping outbound", zap.String("from", envelope.From))
				return
			}
			c.logger.Info("simultaneous dial, yielding to inbound", zap.String("from", envelope.From))
		}
		existing.stopTimeout()
		delete(c.sessions, peerKey)
		go existing.transport.Close()
	}

	t, err := c.cfg.newTransport()
	if err != nil {
		c.mu.Unlock()
		c.reportError(fmt.Errorf("create transport for inbound offer: %w", err))
		return
	}
	sess := &session{
		peerKey:   peerKey,
		address:   envelope.From,
		transport: t,
	}
	c.transitionLocked(sess, statePendingInbound)
	c.armTimeoutLocked(sess)
	c.sessions[peerKey] = sess
	c.mu.Unlock()

	c.startPump(peerKey, t)

	answer, err := t.CreateAnswer(offer)
	if err != nil {
		c.logger.Warn("answer inbound offer", zap.String("from", envelope.From), zap.Error(err))
		c.closeSession(peerKey, t, "answer failed")
		return
	}
	if err := c.sendSignal(EnvelopeAnswer, envelope.From, answer); err != nil {
		c.closeSession(peerKey, t, "signal failed")
	}
}

func (c *Coordinator) handleAnswer(envelope Envelope) {
	peerKey, ok := c.resolveAddress(envelope.From)
	if !ok {
		return
	}

	c.mu.Lock()
	sess := c.sessions[peerKey]
	var t Transport
	if sess != nil && sess.state == statePendingOutbound {
		t = sess.transport
	}
	c.mu.Unlock()

	if t == nil {
		c.logger.Debug("ignoring answer with no outbound attempt", zap.String("from", envelope.From))
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(envelope.Payload, &answer); err != nil {
		c.logger.Warn("malformed answer payload", zap.String("from", envelope.From), zap.Error(err))
		return
	}
	if err := t.SetRemoteAnswer(answer); err != nil {
		c.logger.Warn("apply remote answer", zap.String("from", envelope.From), zap.Error(err))
		c.closeSession(peerKey, t, "answer rejected")
	}
}

func (c *Coordinator) handleICE(envelope Envelope) {
	peerKey, ok := c.resolveAddress(envelope.From)
	if !ok {
		return
	}

	c.mu.Lock()
	sess := c.sessions[peerKey]
	var t Transport
	if sess != nil {
		t = sess.transport
	}
	c.mu.Unlock()

	if t == nil {
		return
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(envelope.Payload, &candidate); err != nil {
		c.logger.Warn("malformed ICE payload", zap.String("from", envelope.From), zap.Error(err))
		return
	}
	if err := t.AddICECandidate(candidate); err != nil {
		c.logger.Warn("add remote ICE candidate", zap.String("from", envelope.From), zap.Error(err))
	}
}

// handlePeerUnavailable clears only the named peer's pending entry; open
// sessions are unaffected.
func (c *Coordinator) handlePeerUnavailable(envelope Envelope) {
	peerKey, ok := c.resolveAddress(envelope.From)
	if !ok {
		return
	}

	c.mu.Lock()
	sess := c.sessions[peerKey]
	var t Transport
	if sess != nil && sess.pending() {
		sess.stopTimeout()
		delete(c.sessions, peerKey)
		t = sess.transport
	}
	c.mu.Unlock()

	if t != nil {
		c.logger.Info("peer unavailable", zap.String("peer_address", envelope.From))
		t.Close()
	}
}

// startPump forwards one transport's events into the session lifecycle.
func (c *Coordinator) startPump(peerKey string, t Transport) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.done:
				return
			case event := <-t.Events():
				c.handleTransportEvent(peerKey, t, event)
			}
		}
	}()
}

func (c *Coordinator) handleTransportEvent(peerKey string, t Transport, event transport.Event) {
	switch event.Type {
	case transport.EventICECandidate:
		c.forwardCandidate(peerKey, t, event.Candidate)
	case transport.EventChannelOpen:
		c.onChannelOpen(peerKey, t)
	case transport.EventMessage:
		c.onMessage(peerKey, t, event.Data)
	case transport.EventChannelClose:
		c.closeSession(peerKey, t, "channel closed")
	case transport.EventStateChange:
		switch event.State {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.closeSession(peerKey, t, event.State.String())
		}
	case transport.EventError:
		c.logger.Warn("transport error", zap.String("peer_address", PeerAddress(peerKey)), zap.Error(event.Err))
	}
}

func (c *Coordinator) forwardCandidate(peerKey string, t Transport, candidate *webrtc.ICECandidateInit) {
	if candidate == nil {
		return
	}

	c.mu.Lock()
	sess := c.sessions[peerKey]
	var address string
	if sess != nil && sess.transport == t {
		address = sess.address
	}
	c.mu.Unlock()

	if address == "" {
		return
	}
	if err := c.sendSignal(EnvelopeICE, address, candidate); err != nil {
		c.logger.Warn("forward ICE candidate", zap.String("peer_address", address), zap.Error(err))
	}
}

func (c *Coordinator) onChannelOpen(peerKey string, t Transport) {
	c.mu.Lock()
	sess := c.sessions[peerKey]
	if sess == nil || sess.transport != t || sess.state == stateOpen {
		c.mu.Unlock()
		return
	}
	sess.stopTimeout()
	c.transitionLocked(sess, stateOpen)
	c.mu.Unlock()

	c.logger.Info("peer session open", zap.String("peer_address", PeerAddress(peerKey)))
	c.emit(SessionEvent{Type: SessionOpened, PeerKey: peerKey})
}

func (c *Coordinator) onMessage(peerKey string, t Transport, data []byte) {
	c.mu.Lock()
	sess := c.sessions[peerKey]
	current := sess != nil && sess.transport == t
	c.mu.Unlock()

	if !current {
		return
	}
	c.emit(SessionEvent{Type: SessionMessage, PeerKey: peerKey, Data: data})
}

// closeSession removes a session if t is still its transport, closing the
// transport and emitting SessionClosed for sessions that had opened.
func (c *Coordinator) closeSession(peerKey string, t Transport, reason string) {
	c.mu.Lock()
	sess := c.sessions[peerKey]
	if sess == nil || sess.transport != t {
		c.mu.Unlock()
		return
	}
	sess.stopTimeout()
	wasOpen := sess.state == stateOpen
	delete(c.sessions, peerKey)
	c.mu.Unlock()

	t.Close()
	c.logger.Debug("session closed",
		zap.String("peer_address", PeerAddress(peerKey)),
		zap.String("reason", reason))
	if wasOpen {
		c.emit(SessionEvent{Type: SessionClosed, PeerKey: peerKey})
	}
}

// resolveAddress maps a relay address back to a paired device's full key.
// Lookup only; authorization always happens against the full key.
func (c *Coordinator) resolveAddress(address string) (string, bool) {
	if address == "" {
		return "", false
	}
	devices, err := c.cfg.Registry.ListPairedDevices()
	if err != nil {
		c.reportError(fmt.Errorf("list paired devices: %w", err))
		return "", false
	}
	for _, device := range devices {
		if PeerAddress(device.PublicKey) == address {
			return device.PublicKey, true
		}
	}
	return "", false
}

func (c *Coordinator) sendSignal(envelopeType, to string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", envelopeType, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	return conn.Send(Envelope{
		Type:    envelopeType,
		From:    c.selfAddress,
		To:      to,
		Payload: raw,
	})
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = state
	}
	c.mu.Unlock()
}

func (c *Coordinator) recordSecurityEvent(event storage.SecurityEvent) {
	if c.cfg.Security == nil {
		return
	}
	if err := c.cfg.Security.LogSecurityEvent(event); err != nil {
		c.logger.Warn("record security event", zap.Error(err))
	}
}

func (c *Coordinator) emit(event SessionEvent) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- event:
	default:
		c.logger.Warn("session event dropped", zap.String("type", string(event.Type)))
	}
}

func (c *Coordinator) reportError(err error) {
	c.logger.Warn("relay error", zap.Error(err))
	select {
	case c.errors <- err:
	default:
	}
}
