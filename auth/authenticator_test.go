package auth

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gardensync/identity"
	"gardensync/relay"
	"gardensync/storage"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []relay.Message
	closed []string
}

func (s *fakeSender) Send(peerKey string, data []byte) error {
	msg, err := relay.DecodeMessage(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) CloseSession(peerKey string) {
	s.mu.Lock()
	s.closed = append(s.closed, peerKey)
	s.mu.Unlock()
}

func (s *fakeSender) lastMessage(t *testing.T) relay.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent, "expected at least one sent message")
	return s.sent[len(s.sent)-1]
}

func (s *fakeSender) closedPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}

type fakeLastSeen struct {
	mu      sync.Mutex
	updates map[string]int64
}

func (f *fakeLastSeen) UpdateLastSeen(publicKey string, lastSeen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]int64)
	}
	f.updates[publicKey] = lastSeen
	return nil
}

type fakeSecurity struct {
	mu     sync.Mutex
	events []storage.SecurityEvent
}

func (f *fakeSecurity) LogSecurityEvent(event storage.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type harness struct {
	auth     *Authenticator
	sender   *fakeSender
	lastSeen *fakeLastSeen
	security *fakeSecurity
	identity identity.Identity
}

func newHarness(t *testing.T, name string) *harness {
	t.Helper()

	id, err := identity.Generate(name)
	require.NoError(t, err)

	sender := &fakeSender{}
	lastSeen := &fakeLastSeen{}
	security := &fakeSecurity{}

	a, err := NewAuthenticator(Config{
		Self:     id,
		Sender:   sender,
		LastSeen: lastSeen,
		Security: security,
	})
	require.NoError(t, err)

	return &harness{auth: a, sender: sender, lastSeen: lastSeen, security: security, identity: id}
}

func TestMutualHandshakeSucceeds(t *testing.T) {
	alpha := newHarness(t, "Alpha")
	bravo := newHarness(t, "Bravo")

	require.NoError(t, alpha.auth.StartChallenge(bravo.identity.PublicKey))
	challenge := alpha.sender.lastMessage(t)
	require.Equal(t, relay.MessageAuthChallenge, challenge.Type)

	bravo.auth.HandleMessage(alpha.identity.PublicKey, challenge)
	response := bravo.sender.lastMessage(t)
	require.Equal(t, relay.MessageAuthResponse, response.Type)

	alpha.auth.HandleMessage(bravo.identity.PublicKey, response)

	assert.True(t, alpha.auth.IsAuthenticated(bravo.identity.PublicKey))
	assert.Empty(t, alpha.sender.closedPeers())

	alpha.lastSeen.mu.Lock()
	_, updated := alpha.lastSeen.updates[bravo.identity.PublicKey]
	alpha.lastSeen.mu.Unlock()
	assert.True(t, updated, "last seen must be updated on success")

	select {
	case event := <-alpha.auth.Events():
		assert.Equal(t, EventAuthenticated, event.Type)
		assert.Equal(t, bravo.identity.PublicKey, event.PeerKey)
	default:
		t.Fatalf("expected an authenticated event")
	}
}

func TestResponseSignedByWrongKeyRejected(t *testing.T) {
	alpha := newHarness(t, "Alpha")
	bravo := newHarness(t, "Bravo")
	mallory := newHarness(t, "Mallory")

	require.NoError(t, alpha.auth.StartChallenge(bravo.identity.PublicKey))
	challenge := alpha.sender.lastMessage(t)

	// Mallory answers the challenge with a valid signature under its own
	// key, claiming bravo's identity in the payload.
	mallory.auth.HandleMessage(alpha.identity.PublicKey, challenge)
	forged := mallory.sender.lastMessage(t)

	var payload responsePayload
	require.NoError(t, json.Unmarshal(forged.Payload, &payload))
	payload.PublicKey = bravo.identity.PublicKey
	tampered, err := relay.NewMessage(relay.MessageAuthResponse, payload)
	require.NoError(t, err)

	alpha.auth.HandleMessage(bravo.identity.PublicKey, tampered)

	assert.False(t, alpha.auth.IsAuthenticated(bravo.identity.PublicKey))
	assert.Contains(t, alpha.sender.closedPeers(), bravo.identity.PublicKey,
		"failed auth must close the session")

	alpha.security.mu.Lock()
	defer alpha.security.mu.Unlock()
	require.Len(t, alpha.security.events, 1)
	assert.Equal(t, "auth_failed", alpha.security.events[0].EventType)
}

func TestResponseWithoutPendingChallengeRejected(t *testing.T) {
	alpha := newHarness(t, "Alpha")
	bravo := newHarness(t, "Bravo")

	nonce := base64.StdEncoding.EncodeToString(make([]byte, NonceLength))
	signature, err := identity.Sign([]byte("unsolicited"), bravo.identity.PrivateKey)
	require.NoError(t, err)

	msg, err := relay.NewMessage(relay.MessageAuthResponse, responsePayload{
		Challenge: nonce,
		Signature: base64.StdEncoding.EncodeToString(signature),
		PublicKey: bravo.identity.PublicKey,
	})
	require.NoError(t, err)

	alpha.auth.HandleMessage(bravo.identity.PublicKey, msg)

	assert.False(t, alpha.auth.IsAuthenticated(bravo.identity.PublicKey))
	assert.Contains(t, alpha.sender.closedPeers(), bravo.identity.PublicKey)
}

func TestStaleChallengeRejected(t *testing.T) {
	alpha := newHarness(t, "Alpha")
	bravo := newHarness(t, "Bravo")

	require.NoError(t, alpha.auth.StartChallenge(bravo.identity.PublicKey))
	first := alpha.sender.lastMessage(t)

	// A second challenge supersedes the first.
	require.NoError(t, alpha.auth.StartChallenge(bravo.identity.PublicKey))

	bravo.auth.HandleMessage(alpha.identity.PublicKey, first)
	staleResponse := bravo.sender.lastMessage(t)

	alpha.auth.HandleMessage(bravo.identity.PublicKey, staleResponse)
	assert.False(t, alpha.auth.IsAuthenticated(bravo.identity.PublicKey))
}

func TestPeerGoneClearsAuthentication(t *testing.T) {
	alpha := newHarness(t, "Alpha")
	bravo := newHarness(t, "Bravo")

	require.NoError(t, alpha.auth.StartChallenge(bravo.identity.PublicKey))
	bravo.auth.HandleMessage(alpha.identity.PublicKey, alpha.sender.lastMessage(t))
	alpha.auth.HandleMessage(bravo.identity.PublicKey, bravo.sender.lastMessage(t))
	require.True(t, alpha.auth.IsAuthenticated(bravo.identity.PublicKey))

	alpha.auth.PeerGone(bravo.identity.PublicKey)
	assert.False(t, alpha.auth.IsAuthenticated(bravo.identity.PublicKey),
		"authentication must not outlive the session")
}

func TestMalformedChallengeFailsHandshake(t *testing.T) {
	alpha := newHarness(t, "Alpha")
	bravo := newHarness(t, "Bravo")

	msg := relay.Message{Type: relay.MessageAuthChallenge, Payload: json.RawMessage(`{broken`)}
	alpha.auth.HandleMessage(bravo.identity.PublicKey, msg)

	assert.Contains(t, alpha.sender.closedPeers(), bravo.identity.PublicKey)
}
