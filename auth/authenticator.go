// Package auth runs the challenge/response handshake over freshly opened
// data channels. A peer proves control of the private key matching the
// public key it was paired under; the claimed key in a response is never
// trusted.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gardensync/identity"
	"gardensync/relay"
	"gardensync/storage"
)

// NonceLength is the challenge nonce size in bytes.
const NonceLength = 32

// Sender delivers frames to a peer session and can tear it down. The relay
// coordinator satisfies it.
type Sender interface {
	Send(peerKey string, data []byte) error
	CloseSession(peerKey string)
}

// LastSeenUpdater records successful authentications. *storage.Store
// satisfies it.
type LastSeenUpdater interface {
	UpdateLastSeen(publicKey string, lastSeen int64) error
}

// SecurityRecorder persists security events. *storage.Store satisfies it.
type SecurityRecorder interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}

// EventType identifies authentication outcomes.
type EventType string

const (
	// EventAuthenticated fires once per session when a peer proves identity.
	EventAuthenticated EventType = "authenticated"
	// EventFailed fires when verification fails and the session is closed.
	EventFailed EventType = "failed"
)

// Event is one authentication outcome.
type Event struct {
	Type    EventType
	PeerKey string
	Reason  string
}

type challengePayload struct {
	Challenge string `json:"challenge"`
}

type responsePayload struct {
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

// Config controls the authenticator.
type Config struct {
	Self     identity.Identity
	Sender   Sender
	LastSeen LastSeenUpdater
	Security SecurityRecorder
	Logger   *zap.Logger
}

// Authenticator tracks per-peer handshake state. Peers are keyed by the full
// public key the session was established under.
type Authenticator struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	pending       map[string]string
	authenticated map[string]bool

	events chan Event
}

// NewAuthenticator validates config and creates an authenticator.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.Self.PublicKey == "" || cfg.Self.PrivateKey == "" {
		return nil, errors.New("auth: self identity is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("auth: sender is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Authenticator{
		cfg:           cfg,
		logger:        cfg.Logger,
		pending:       make(map[string]string),
		authenticated: make(map[string]bool),
		events:        make(chan Event, 64),
	}, nil
}

// Events delivers authentication outcomes.
func (a *Authenticator) Events() <-chan Event {
	return a.events
}

// IsAuthenticated reports whether the peer has proven its identity on the
// current session.
func (a *Authenticator) IsAuthenticated(peerKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated[peerKey]
}

// StartChallenge opens the handshake for a newly connected peer. Both sides
// challenge each other; each direction is proven independently.
func (a *Authenticator) StartChallenge(peerKey string) error {
	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate auth nonce: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(nonce)

	a.mu.Lock()
	a.pending[peerKey] = encoded
	a.mu.Unlock()

	msg, err := relay.NewMessage(relay.MessageAuthChallenge, challengePayload{Challenge: encoded})
	if err != nil {
		return err
	}
	raw, err := relay.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := a.cfg.Sender.Send(peerKey, raw); err != nil {
		return fmt.Errorf("send auth challenge: %w", err)
	}
	return nil
}

// HandleMessage processes one auth frame from a peer. Non-auth frames are
// ignored.
func (a *Authenticator) HandleMessage(peerKey string, msg relay.Message) {
	switch msg.Type {
	case relay.MessageAuthChallenge:
		a.handleChallenge(peerKey, msg)
	case relay.MessageAuthResponse:
		a.handleResponse(peerKey, msg)
	}
}

// PeerGone clears all handshake state for a disconnected peer.
// Authentication never outlives the session it was proven on.
func (a *Authenticator) PeerGone(peerKey string) {
	a.mu.Lock()
	delete(a.pending, peerKey)
	delete(a.authenticated, peerKey)
	a.mu.Unlock()
}

func (a *Authenticator) handleChallenge(peerKey string, msg relay.Message) {
	var payload challengePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Challenge == "" {
		a.fail(peerKey, "malformed challenge")
		return
	}

	nonce, err := base64.StdEncoding.DecodeString(payload.Challenge)
	if err != nil {
		a.fail(peerKey, "challenge is not valid base64")
		return
	}

	signature, err := identity.Sign(nonce, a.cfg.Self.PrivateKey)
	if err != nil {
		a.logger.Warn("sign auth challenge", zap.Error(err))
		return
	}

	response := responsePayload{
		Challenge: payload.Challenge,
		Signature: base64.StdEncoding.EncodeToString(signature),
		PublicKey: a.cfg.Self.PublicKey,
	}
	out, err := relay.NewMessage(relay.MessageAuthResponse, response)
	if err != nil {
		a.logger.Warn("build auth response", zap.Error(err))
		return
	}
	raw, err := relay.EncodeMessage(out)
	if err != nil {
		a.logger.Warn("encode auth response", zap.Error(err))
		return
	}
	if err := a.cfg.Sender.Send(peerKey, raw); err != nil {
		a.logger.Warn("send auth response", zap.String("peer", identity.TruncateKey(peerKey)), zap.Error(err))
	}
}

func (a *Authenticator) handleResponse(peerKey string, msg relay.Message) {
	var payload responsePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		a.fail(peerKey, "malformed response")
		return
	}

	a.mu.Lock()
	expected, ok := a.pending[peerKey]
	a.mu.Unlock()

	if !ok || expected != payload.Challenge {
		a.fail(peerKey, "response does not match pending challenge")
		return
	}

	nonce, err := base64.StdEncoding.DecodeString(payload.Challenge)
	if err != nil {
		a.fail(peerKey, "challenge is not valid base64")
		return
	}
	signature, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		a.fail(peerKey, "signature is not valid base64")
		return
	}

	// Verify strictly against the key this session was paired under. The
	// claimed key is informational at best.
	if payload.PublicKey != peerKey {
		a.logger.Warn("auth response claims a different key",
			zap.String("peer", identity.TruncateKey(peerKey)),
			zap.String("claimed", identity.TruncateKey(payload.PublicKey)))
	}
	if !identity.Verify(nonce, signature, peerKey) {
		a.fail(peerKey, "signature verification failed")
		return
	}

	a.mu.Lock()
	delete(a.pending, peerKey)
	a.authenticated[peerKey] = true
	a.mu.Unlock()

	if a.cfg.LastSeen != nil {
		if err := a.cfg.LastSeen.UpdateLastSeen(peerKey, time.Now().UnixMilli()); err != nil {
			a.logger.Warn("update last seen", zap.String("peer", identity.TruncateKey(peerKey)), zap.Error(err))
		}
	}

	a.logger.Info("peer authenticated", zap.String("peer", identity.TruncateKey(peerKey)))
	a.emit(Event{Type: EventAuthenticated, PeerKey: peerKey})
}

// fail marks the handshake failed, records it, and closes the session.
func (a *Authenticator) fail(peerKey, reason string) {
	a.mu.Lock()
	delete(a.pending, peerKey)
	delete(a.authenticated, peerKey)
	a.mu.Unlock()

	a.logger.Warn("peer authentication failed",
		zap.String("peer", identity.TruncateKey(peerKey)),
		zap.String("reason", reason))

	if a.cfg.Security != nil {
		event := storage.SecurityEvent{
			EventType:     "auth_failed",
			Severity:      storage.SecuritySeverityWarning,
			PeerPublicKey: &peerKey,
			Details:       fmt.Sprintf(`{"reason":%q}`, reason),
		}
		if err := a.cfg.Security.LogSecurityEvent(event); err != nil {
			a.logger.Warn("record security event", zap.Error(err))
		}
	}

	a.cfg.Sender.CloseSession(peerKey)
	a.emit(Event{Type: EventFailed, PeerKey: peerKey, Reason: reason})
}

func (a *Authenticator) emit(event Event) {
	select {
	case a.events <- event:
	default:
		a.logger.Warn("auth event dropped", zap.String("type", string(event.Type)))
	}
}
