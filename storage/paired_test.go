package storage

import (
	"errors"
	"testing"
)

func TestAddPairedDeviceUpsertsByKey(t *testing.T) {
	store := newTestStore(t)

	mustPair(t, store, "key-a", "Old Name")
	mustPair(t, store, "key-a", "New Name")

	devices, err := store.ListPairedDevices()
	if err != nil {
		t.Fatalf("ListPairedDevices failed: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected one row after re-pairing, got %d", len(devices))
	}
	if devices[0].DeviceName != "New Name" {
		t.Fatalf("expected merged name, got %q", devices[0].DeviceName)
	}
}

func TestUpsertPreservesLastSeen(t *testing.T) {
	store := newTestStore(t)

	mustPair(t, store, "key-a", "Device A")
	if err := store.UpdateLastSeen("key-a", 1234); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}

	// Re-pair without last seen; merge must not clobber it.
	mustPair(t, store, "key-a", "Device A")

	device, err := store.GetPairedDevice("key-a")
	if err != nil {
		t.Fatalf("GetPairedDevice failed: %v", err)
	}
	if device.LastSeen == nil || *device.LastSeen != 1234 {
		t.Fatalf("expected last seen preserved, got %v", device.LastSeen)
	}
}

func TestIsPaired(t *testing.T) {
	store := newTestStore(t)

	mustPair(t, store, "key-a", "Device A")

	paired, err := store.IsPaired("key-a")
	if err != nil {
		t.Fatalf("IsPaired failed: %v", err)
	}
	if !paired {
		t.Fatalf("expected key-a to be paired")
	}

	paired, err = store.IsPaired("key-b")
	if err != nil {
		t.Fatalf("IsPaired failed: %v", err)
	}
	if paired {
		t.Fatalf("expected key-b to be unpaired")
	}
}

func TestRemovePairedDevice(t *testing.T) {
	store := newTestStore(t)

	mustPair(t, store, "key-a", "Device A")
	if err := store.RemovePairedDevice("key-a"); err != nil {
		t.Fatalf("RemovePairedDevice failed: %v", err)
	}

	if err := store.RemovePairedDevice("key-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second removal, got %v", err)
	}
	if _, err := store.GetPairedDevice("key-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
}

func TestUpdateLastSeenUnknownKey(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpdateLastSeen("missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
