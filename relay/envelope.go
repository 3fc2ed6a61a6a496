package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Signaling envelope types exchanged with the relay.
const (
	// EnvelopeRegister announces the sender's address to the relay.
	EnvelopeRegister = "register"
	// EnvelopeOffer carries a WebRTC offer to a peer address.
	EnvelopeOffer = "offer"
	// EnvelopeAnswer carries a WebRTC answer back to the dialer.
	EnvelopeAnswer = "answer"
	// EnvelopeICE carries one ICE candidate.
	EnvelopeICE = "ice"
	// EnvelopePeerUnavailable is the relay's reply when the target address is
	// not registered.
	EnvelopePeerUnavailable = "peer-unavailable"
)

// Envelope is one signaling message routed through the relay.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Data channel message types.
const (
	// MessageAuthChallenge opens authentication with a random nonce.
	MessageAuthChallenge = "auth-challenge"
	// MessageAuthResponse answers a challenge with a signature.
	MessageAuthResponse = "auth-response"
	// MessageSync carries an incremental document update.
	MessageSync = "sync"
	// MessageFullState carries a full document snapshot.
	MessageFullState = "full-state-sync"
	// MessagePing and MessagePong are liveness probes, allowed before
	// authentication completes.
	MessagePing = "ping"
	MessagePong = "pong"
)

// Message is one data channel frame between two connected devices.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

// NewMessage builds a timestamped frame with a JSON-marshaled payload.
func NewMessage(messageType string, payload any) (Message, error) {
	msg := Message{Type: messageType, TS: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", messageType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// EncodeMessage serializes a frame for the data channel.
func EncodeMessage(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return raw, nil
}

// DecodeMessage parses one data channel frame.
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode data channel message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("data channel message missing type")
	}
	return msg, nil
}
