package storage

import (
	"errors"
	"testing"
	"time"

	"gardensync/models"
)

func testDocument() *models.Document {
	return &models.Document{
		Metadata: models.Metadata{
			Name:          "Allotment",
			SchemaVersion: models.SchemaVersion,
			UpdatedAt:     nowUnixMilli(),
		},
		Areas: []models.GardenArea{
			{ID: "bed-1", Name: "North Bed", Kind: "bed", WidthCM: 120, LengthCM: 240},
		},
		Seasons: []models.Season{
			{ID: "2026", Year: 2026, Plantings: []models.Planting{
				{ID: "p-1", AreaID: "bed-1", VarietyID: "v-1", Quantity: 12},
			}},
		},
		Varieties: []models.SeedVariety{
			{ID: "v-1", Name: "Broad Bean 'Ratio'", Species: "Vicia faba"},
		},
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LoadDocument(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first save, got %v", err)
	}

	doc := testDocument()
	if err := store.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	loaded, err := store.LoadDocument()
	if err != nil {
		t.Fatalf("LoadDocument failed: %v", err)
	}
	if loaded.Metadata.Name != doc.Metadata.Name {
		t.Fatalf("unexpected document name %q", loaded.Metadata.Name)
	}
	if len(loaded.Seasons) != 1 || len(loaded.Seasons[0].Plantings) != 1 {
		t.Fatalf("document structure lost in round trip")
	}
}

func TestCorruptedDocumentIsRecoverable(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.db.Exec(
		`INSERT INTO document (id, body, updated_at) VALUES (1, '{broken', ?)`,
		nowUnixMilli(),
	); err != nil {
		t.Fatalf("seed corrupted row: %v", err)
	}

	if _, err := store.LoadDocument(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestBackupExpiry(t *testing.T) {
	store := newTestStore(t)
	doc := testDocument()

	now := nowUnixMilli()
	if _, err := store.SaveBackup(doc, "pre-sync", now+int64(24*time.Hour/time.Millisecond)); err != nil {
		t.Fatalf("SaveBackup failed: %v", err)
	}

	backup, err := store.LatestBackup(now)
	if err != nil {
		t.Fatalf("LatestBackup failed: %v", err)
	}
	if backup.Reason != "pre-sync" {
		t.Fatalf("unexpected backup reason %q", backup.Reason)
	}

	// After expiry nothing is returned and pruning removes the row.
	future := backup.ExpiresAt + 1
	if _, err := store.LatestBackup(future); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound past expiry, got %v", err)
	}

	deleted, err := store.PruneExpiredBackups(future)
	if err != nil {
		t.Fatalf("PruneExpiredBackups failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected one pruned backup, got %d", deleted)
	}
}

func TestIdentityRecordRoundTrip(t *testing.T) {
	store := newTestStore(t)

	raw, err := store.LoadIdentityRecord()
	if err != nil {
		t.Fatalf("LoadIdentityRecord failed: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil record before first save")
	}

	if err := store.SaveIdentityRecord([]byte(`{"device_name":"x"}`)); err != nil {
		t.Fatalf("SaveIdentityRecord failed: %v", err)
	}
	if err := store.SaveIdentityRecord([]byte(`{"device_name":"y"}`)); err != nil {
		t.Fatalf("SaveIdentityRecord second write failed: %v", err)
	}

	raw, err = store.LoadIdentityRecord()
	if err != nil {
		t.Fatalf("LoadIdentityRecord failed: %v", err)
	}
	if string(raw) != `{"device_name":"y"}` {
		t.Fatalf("unexpected record %q", raw)
	}
}
