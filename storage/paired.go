package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// AddPairedDevice upserts a trusted device by public key. Re-pairing with a
// known key merges fields into the existing row instead of duplicating it.
func (s *Store) AddPairedDevice(device PairedDevice) error {
	if strings.TrimSpace(device.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(device.DeviceName) == "" {
		return errors.New("device_name is required")
	}
	if device.PairedAt == 0 {
		device.PairedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO paired_devices (
			public_key,
			device_name,
			paired_at,
			last_seen
		) VALUES (?, ?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET
			device_name = excluded.device_name,
			last_seen   = COALESCE(excluded.last_seen, paired_devices.last_seen)`,
		device.PublicKey,
		device.DeviceName,
		device.PairedAt,
		nullInt64Ptr(device.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("upsert paired device %q: %w", device.PublicKey, err)
	}

	return nil
}

// GetPairedDevice fetches one paired device by full public key.
func (s *Store) GetPairedDevice(publicKey string) (*PairedDevice, error) {
	row := s.db.QueryRow(
		`SELECT public_key, device_name, paired_at, last_seen
		FROM paired_devices
		WHERE public_key = ?`,
		publicKey,
	)

	device, err := scanPairedDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get paired device %q: %w", publicKey, err)
	}

	return device, nil
}

// IsPaired reports whether a full public key is in the trusted set.
func (s *Store) IsPaired(publicKey string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM paired_devices WHERE public_key = ?`,
		publicKey,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check paired device %q: %w", publicKey, err)
	}
	return true, nil
}

// ListPairedDevices returns all paired devices sorted by device name.
func (s *Store) ListPairedDevices() ([]PairedDevice, error) {
	rows, err := s.db.Query(
		`SELECT public_key, device_name, paired_at, last_seen
		FROM paired_devices
		ORDER BY device_name, public_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("list paired devices: %w", err)
	}
	defer rows.Close()

	devices := make([]PairedDevice, 0)
	for rows.Next() {
		device, err := scanPairedDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan paired device row: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paired device rows: %w", err)
	}

	return devices, nil
}

// UpdateLastSeen stamps a paired device after a successful authentication.
func (s *Store) UpdateLastSeen(publicKey string, lastSeen int64) error {
	if publicKey == "" {
		return errors.New("public_key is required")
	}
	if lastSeen == 0 {
		lastSeen = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE paired_devices SET last_seen = ? WHERE public_key = ?`,
		lastSeen,
		publicKey,
	)
	if err != nil {
		return fmt.Errorf("update last seen for %q: %w", publicKey, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for last seen update %q: %w", publicKey, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemovePairedDevice deletes a device from the trusted set (unpair).
func (s *Store) RemovePairedDevice(publicKey string) error {
	if publicKey == "" {
		return errors.New("public_key is required")
	}

	res, err := s.db.Exec(`DELETE FROM paired_devices WHERE public_key = ?`, publicKey)
	if err != nil {
		return fmt.Errorf("remove paired device %q: %w", publicKey, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove paired device %q: %w", publicKey, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPairedDevice(row scanner) (*PairedDevice, error) {
	var (
		device   PairedDevice
		lastSeen sql.NullInt64
	)

	if err := row.Scan(
		&device.PublicKey,
		&device.DeviceName,
		&device.PairedAt,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	device.LastSeen = int64Ptr(lastSeen)
	return &device, nil
}

func nullInt64Ptr(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}
