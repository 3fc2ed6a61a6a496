package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// LoadIdentityRecord returns the raw persisted identity record, or nil when
// no identity has been created yet. Decoding is the identity package's job;
// a corrupted record is its recoverable condition, not ours.
func (s *Store) LoadIdentityRecord() ([]byte, error) {
	var record string
	err := s.db.QueryRow(`SELECT record FROM device_identity WHERE id = 1`).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identity record: %w", err)
	}
	return []byte(record), nil
}

// SaveIdentityRecord persists the raw identity record, replacing any
// previous one.
func (s *Store) SaveIdentityRecord(raw []byte) error {
	if len(raw) == 0 {
		return errors.New("identity record is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO device_identity (id, record, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			record     = excluded.record,
			updated_at = excluded.updated_at`,
		string(raw),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save identity record: %w", err)
	}

	return nil
}
