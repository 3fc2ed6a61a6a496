package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	// PairingVersion is the only accepted pairing payload version.
	PairingVersion = 1
	// PairingExpiry bounds how long a pairing payload stays valid.
	PairingExpiry = 5 * time.Minute
)

var (
	// ErrPairingExpired indicates the payload is past its expiry window.
	ErrPairingExpired = errors.New("identity: pairing payload expired")
	// ErrPairingCodeMismatch indicates the entered confirmation code is wrong.
	ErrPairingCodeMismatch = errors.New("identity: pairing code mismatch")
)

// PairingPayload is the ephemeral out-of-band pairing exchange (QR/JSON).
// It is never persisted; the confirmation code is random per payload.
type PairingPayload struct {
	V    int    `json:"v"`
	PK   string `json:"pk"`
	Code string `json:"code"`
	Name string `json:"name"`
	TS   int64  `json:"ts"`
}

// NewPairingPayload builds a pairing payload for the local identity with a
// uniformly random 6-digit confirmation code.
func NewPairingPayload(id Identity) (PairingPayload, error) {
	code, err := randomConfirmationCode()
	if err != nil {
		return PairingPayload{}, err
	}

	return PairingPayload{
		V:    PairingVersion,
		PK:   id.PublicKey,
		Code: code,
		Name: id.DeviceName,
		TS:   time.Now().UnixMilli(),
	}, nil
}

// ParsePairingPayload decodes and structurally validates a received payload.
func ParsePairingPayload(raw []byte) (PairingPayload, error) {
	var payload PairingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PairingPayload{}, fmt.Errorf("parse pairing payload: %w", err)
	}
	if err := validatePairingFields(payload); err != nil {
		return PairingPayload{}, err
	}
	return payload, nil
}

// ValidatePairingPayload checks version, required fields, and the expiry
// window against the supplied clock.
func ValidatePairingPayload(payload PairingPayload, now time.Time) error {
	if err := validatePairingFields(payload); err != nil {
		return err
	}
	age := now.Sub(time.UnixMilli(payload.TS))
	if age > PairingExpiry {
		return ErrPairingExpired
	}
	return nil
}

// ValidatePairingCode checks the payload and the user-entered confirmation
// code together. Expiry is checked first: an expired payload is rejected
// regardless of code correctness.
func ValidatePairingCode(payload PairingPayload, enteredCode string, now time.Time) error {
	if err := ValidatePairingPayload(payload, now); err != nil {
		return err
	}
	if payload.Code != enteredCode {
		return ErrPairingCodeMismatch
	}
	return nil
}

func validatePairingFields(payload PairingPayload) error {
	if payload.V != PairingVersion {
		return fmt.Errorf("identity: unsupported pairing payload version %d", payload.V)
	}
	if payload.PK == "" {
		return errors.New("identity: pairing payload missing public key")
	}
	if payload.Code == "" {
		return errors.New("identity: pairing payload missing confirmation code")
	}
	if payload.Name == "" {
		return errors.New("identity: pairing payload missing device name")
	}
	return nil
}

func randomConfirmationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate confirmation code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
