package replication

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gardensync/models"
	"gardensync/relay"
	"gardensync/storage"
)

const (
	keyAlpha = "alpha-public-key"
	keyBravo = "bravo-public-key"
)

type backupRecord struct {
	doc       *models.Document
	reason    string
	expiresAt int64
}

type fakeStore struct {
	mu      sync.Mutex
	doc     *models.Document
	loadErr error
	saves   int
	backups []backupRecord
}

func (s *fakeStore) LoadDocument() (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.doc == nil {
		return nil, storage.ErrNotFound
	}
	return s.doc, nil
}

func (s *fakeStore) SaveDocument(doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	s.saves++
	return nil
}

func (s *fakeStore) SaveBackup(doc *models.Document, reason string, expiresAt int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups = append(s.backups, backupRecord{doc: doc, reason: reason, expiresAt: expiresAt})
	return "backup-1", nil
}

func (s *fakeStore) backupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backups)
}

func gardenDocument() *models.Document {
	return &models.Document{
		Metadata: models.Metadata{
			Name:          "Allotment",
			SchemaVersion: models.SchemaVersion,
			UpdatedAt:     1,
		},
		Areas: []models.GardenArea{
			{ID: "bed-1", Name: "North Bed", Kind: "bed", WidthCM: 120, LengthCM: 240},
		},
		Varieties: []models.SeedVariety{
			{ID: "v-1", Name: "Broad Bean", Species: "Vicia faba"},
		},
	}
}

func newReplicator(t *testing.T, actor string, store *fakeStore) *Replicator {
	t.Helper()
	r, err := NewReplicator(Config{Actor: actor, Store: store})
	require.NoError(t, err)
	return r
}

// deliverTo routes frames sent to one replicator straight into its handlers,
// standing in for an open authenticated session.
func deliverTo(t *testing.T, target *Replicator, senderKey string) SendFunc {
	return func(data []byte) error {
		msg, err := relay.DecodeMessage(data)
		require.NoError(t, err)
		switch msg.Type {
		case relay.MessageSync:
			return target.HandleSync(senderKey, msg.Payload)
		case relay.MessageFullState:
			return target.HandleFullState(senderKey, msg.Payload)
		default:
			t.Fatalf("unexpected frame type %q", msg.Type)
			return nil
		}
	}
}

func TestBootstrapAndTwoWaySync(t *testing.T) {
	storeAlpha := &fakeStore{doc: gardenDocument()}
	storeBravo := &fakeStore{}

	alpha := newReplicator(t, keyAlpha, storeAlpha)
	bravo := newReplicator(t, keyBravo, storeBravo)

	// Bravo registers alpha first; its empty bootstrap snapshot reaching
	// alpha is dropped because alpha has not registered bravo yet.
	require.NoError(t, bravo.PeerAuthenticated(keyAlpha, deliverTo(t, alpha, keyBravo)))
	require.NoError(t, alpha.PeerAuthenticated(keyBravo, deliverTo(t, bravo, keyAlpha)))

	// Alpha's snapshot bootstrapped bravo.
	bravoDoc, err := bravo.Document()
	require.NoError(t, err)
	require.NotNil(t, bravoDoc)
	assert.Equal(t, "Allotment", bravoDoc.Metadata.Name)
	require.Len(t, bravoDoc.Areas, 1)

	// A local edit on bravo flows back to alpha.
	edited := gardenDocument()
	edited.Areas = append(edited.Areas, models.GardenArea{
		ID: "bed-2", Name: "South Bed", Kind: "bed", WidthCM: 90, LengthCM: 180,
	})
	require.NoError(t, bravo.SetLocal(edited))

	alphaDoc, err := alpha.Document()
	require.NoError(t, err)
	require.Len(t, alphaDoc.Areas, 2)

	// And an alpha edit reaches bravo.
	edited2 := gardenDocument()
	edited2.Areas = alphaDoc.Areas
	edited2.Metadata.Name = "Community Allotment"
	require.NoError(t, alpha.SetLocal(edited2))

	bravoDoc, err = bravo.Document()
	require.NoError(t, err)
	assert.Equal(t, "Community Allotment", bravoDoc.Metadata.Name)

	// Both stores hold the converged document.
	assert.NotZero(t, storeAlpha.saves)
	assert.NotZero(t, storeBravo.saves)
}

func TestSyncFromUnregisteredPeerDropped(t *testing.T) {
	storeAlpha := &fakeStore{doc: gardenDocument()}
	storeBravo := &fakeStore{}

	alpha := newReplicator(t, keyAlpha, storeAlpha)
	bravo := newReplicator(t, keyBravo, storeBravo)

	// Capture a legitimate update frame by registering a tap on alpha.
	var captured []byte
	require.NoError(t, alpha.PeerAuthenticated(keyBravo, func(data []byte) error {
		captured = data
		return nil
	}))

	edited := gardenDocument()
	edited.Metadata.Name = "Renamed"
	require.NoError(t, alpha.SetLocal(edited))
	require.NotNil(t, captured)

	msg, err := relay.DecodeMessage(captured)
	require.NoError(t, err)
	require.Equal(t, relay.MessageSync, msg.Type)

	// Bravo never authenticated alpha, so the update must not apply.
	require.NoError(t, bravo.HandleSync(keyAlpha, msg.Payload))
	doc, err := bravo.Document()
	require.NoError(t, err)
	assert.Nil(t, doc, "unauthenticated sync must not mutate the document")
}

func TestInvalidDocumentRejected(t *testing.T) {
	store := &fakeStore{}
	alpha := newReplicator(t, keyAlpha, store)

	invalid := gardenDocument()
	invalid.Metadata.SchemaVersion = 99
	err := alpha.SetLocal(invalid)
	assert.ErrorIs(t, err, ErrInvalidDocument)
	assert.Zero(t, store.saves)
}

func TestNoOpEditDoesNotBroadcast(t *testing.T) {
	store := &fakeStore{doc: gardenDocument()}
	alpha := newReplicator(t, keyAlpha, store)

	sends := 0
	require.NoError(t, alpha.PeerAuthenticated(keyBravo, func(data []byte) error {
		sends++
		return nil
	}))
	bootstrapSends := sends

	require.NoError(t, alpha.SetLocal(gardenDocument()))
	assert.Equal(t, bootstrapSends, sends, "identical document must not broadcast")
}

func TestBackupTakenOnceBeforeFirstRemoteMutation(t *testing.T) {
	storeAlpha := &fakeStore{doc: gardenDocument()}
	storeBravo := &fakeStore{doc: gardenDocument()}

	alpha := newReplicator(t, keyAlpha, storeAlpha)
	bravo := newReplicator(t, keyBravo, storeBravo)

	require.NoError(t, bravo.PeerAuthenticated(keyAlpha, deliverTo(t, alpha, keyBravo)))
	require.NoError(t, alpha.PeerAuthenticated(keyBravo, deliverTo(t, bravo, keyAlpha)))

	first := gardenDocument()
	first.Metadata.Name = "First Edit"
	require.NoError(t, alpha.SetLocal(first))

	second := gardenDocument()
	second.Metadata.Name = "Second Edit"
	require.NoError(t, alpha.SetLocal(second))

	require.NotZero(t, storeBravo.backupCount(), "bravo must back up before merging remote state")
	assert.Equal(t, 1, storeBravo.backupCount(), "backup happens once per run")

	storeBravo.mu.Lock()
	backup := storeBravo.backups[0]
	storeBravo.mu.Unlock()
	assert.Equal(t, "pre-sync", backup.reason)
	assert.Greater(t, backup.expiresAt, int64(0))
}

func TestPeerGoneStopsBroadcasts(t *testing.T) {
	store := &fakeStore{doc: gardenDocument()}
	alpha := newReplicator(t, keyAlpha, store)

	sends := 0
	require.NoError(t, alpha.PeerAuthenticated(keyBravo, func(data []byte) error {
		sends++
		return nil
	}))
	alpha.PeerGone(keyBravo)
	baseline := sends

	edited := gardenDocument()
	edited.Metadata.Name = "After Goodbye"
	require.NoError(t, alpha.SetLocal(edited))
	assert.Equal(t, baseline, sends, "departed peer must not receive updates")
}

func TestCorruptedPersistedDocumentStartsEmpty(t *testing.T) {
	store := &fakeStore{loadErr: storage.ErrCorrupted}
	alpha := newReplicator(t, keyAlpha, store)

	doc, err := alpha.Document()
	require.NoError(t, err)
	assert.Nil(t, doc)
}
