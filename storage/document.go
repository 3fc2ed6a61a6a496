package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gardensync/models"
)

// LoadDocument returns the persisted garden document. ErrNotFound means no
// document has been saved yet; ErrCorrupted means the stored JSON failed to
// decode and should be treated as absent by the caller.
func (s *Store) LoadDocument() (*models.Document, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM document WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}

	var doc models.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("%w: decode document: %v", ErrCorrupted, err)
	}

	return &doc, nil
}

// SaveDocument persists the garden document, replacing any previous one.
func (s *Store) SaveDocument(doc *models.Document) error {
	if doc == nil {
		return errors.New("document is required")
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO document (id, body, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body       = excluded.body,
			updated_at = excluded.updated_at`,
		string(body),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}

	return nil
}

// SaveBackup stores one document snapshot with an expiry timestamp.
func (s *Store) SaveBackup(doc *models.Document, reason string, expiresAt int64) (string, error) {
	if doc == nil {
		return "", errors.New("document is required")
	}
	if expiresAt <= 0 {
		return "", errors.New("expires_at must be > 0")
	}

	snapshot, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal backup snapshot: %w", err)
	}

	backupID := uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO backups (backup_id, snapshot, reason, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		backupID,
		string(snapshot),
		reason,
		nowUnixMilli(),
		expiresAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert backup: %w", err)
	}

	return backupID, nil
}

// LatestBackup returns the most recent unexpired backup.
func (s *Store) LatestBackup(now int64) (*Backup, error) {
	if now <= 0 {
		now = nowUnixMilli()
	}

	row := s.db.QueryRow(
		`SELECT backup_id, snapshot, reason, created_at, expires_at
		FROM backups
		WHERE expires_at > ?
		ORDER BY created_at DESC, backup_id
		LIMIT 1`,
		now,
	)

	var backup Backup
	err := row.Scan(&backup.BackupID, &backup.Snapshot, &backup.Reason, &backup.CreatedAt, &backup.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest backup: %w", err)
	}

	return &backup, nil
}

// PruneExpiredBackups removes backups past their expiry and reports how many
// rows were deleted.
func (s *Store) PruneExpiredBackups(now int64) (int64, error) {
	if now <= 0 {
		now = nowUnixMilli()
	}

	res, err := s.db.Exec(`DELETE FROM backups WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("prune expired backups: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for backup prune: %w", err)
	}

	return deleted, nil
}
