package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustPair(t *testing.T, store *Store, publicKey, name string) {
	t.Helper()

	err := store.AddPairedDevice(PairedDevice{
		PublicKey:  publicKey,
		DeviceName: name,
		PairedAt:   nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("pair device %q: %v", publicKey, err)
	}
}
