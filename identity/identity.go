package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TruncatedKeyLength is the display/lookup prefix length of a public key.
// The truncated form is a low-entropy hint for discovery and relay routing;
// it is never an authorization boundary.
const TruncatedKeyLength = 16

// Store persists the serialized identity record.
type Store interface {
	// LoadIdentityRecord returns nil, nil when no record exists.
	LoadIdentityRecord() ([]byte, error)
	SaveIdentityRecord(raw []byte) error
}

// Identity is this device's signing identity. Exactly one exists per
// installation; the private key never leaves the device.
type Identity struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	DeviceName string `json:"device_name"`
	CreatedAt  int64  `json:"created_at"`
}

// Generate creates a fresh Ed25519 identity. Pure aside from randomness.
func Generate(deviceName string) (Identity, error) {
	if strings.TrimSpace(deviceName) == "" {
		return Identity{}, errors.New("device name is required")
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}

	return Identity{
		PublicKey:  base64.StdEncoding.EncodeToString(publicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(privateKey),
		DeviceName: deviceName,
		CreatedAt:  time.Now().UnixMilli(),
	}, nil
}

// GetOrCreate loads the persisted identity, generating and persisting one on
// first run. A corrupted record is treated as absent and regenerated.
func GetOrCreate(store Store, defaultName string, logger *zap.Logger) (Identity, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	raw, err := store.LoadIdentityRecord()
	if err != nil {
		return Identity{}, fmt.Errorf("load identity record: %w", err)
	}

	if len(raw) > 0 {
		var id Identity
		if err := json.Unmarshal(raw, &id); err == nil && validStoredIdentity(id) {
			return id, nil
		}
		logger.Warn("persisted identity is corrupted, regenerating",
			zap.Int("record_bytes", len(raw)))
	}

	id, err := Generate(defaultName)
	if err != nil {
		return Identity{}, err
	}

	encoded, err := json.Marshal(id)
	if err != nil {
		return Identity{}, fmt.Errorf("marshal identity record: %w", err)
	}
	if err := store.SaveIdentityRecord(encoded); err != nil {
		return Identity{}, fmt.Errorf("save identity record: %w", err)
	}

	return id, nil
}

func validStoredIdentity(id Identity) bool {
	publicKey, err := base64.StdEncoding.DecodeString(id.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	privateKey, err := base64.StdEncoding.DecodeString(id.PrivateKey)
	if err != nil || len(privateKey) != ed25519.PrivateKeySize {
		return false
	}
	return id.DeviceName != ""
}

// Sign produces a detached Ed25519 signature with a base64 private key.
func Sign(message []byte, privateKeyBase64 string) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("message is required")
	}

	raw, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(raw), ed25519.PrivateKeySize)
	}

	return ed25519.Sign(ed25519.PrivateKey(raw), message), nil
}

// Verify checks a detached Ed25519 signature against a base64 public key.
// Malformed input of any kind yields false, never a panic or error.
func Verify(message, signature []byte, publicKeyBase64 string) bool {
	raw, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return false
	}
	if len(message) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(raw), message, signature)
}

// TruncateKey returns the display/lookup prefix of a base64 public key.
func TruncateKey(publicKeyBase64 string) string {
	if len(publicKeyBase64) <= TruncatedKeyLength {
		return publicKeyBase64
	}
	return publicKeyBase64[:TruncatedKeyLength]
}
