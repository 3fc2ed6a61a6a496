package storage

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrCorrupted indicates a persisted record failed to decode. Callers
	// treat this as absence of data, not a fatal condition.
	ErrCorrupted = errors.New("storage: record is corrupted")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// PairedDevice is the SQLite representation of a trusted remote device,
// keyed by its full base64 public key.
type PairedDevice struct {
	PublicKey  string
	DeviceName string
	PairedAt   int64
	LastSeen   *int64
}

// Backup is one pre-sync document snapshot with an expiry.
type Backup struct {
	BackupID  string
	Snapshot  string
	Reason    string
	CreatedAt int64
	ExpiresAt int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID            int64
	EventType     string
	PeerPublicKey *string
	Details       string
	Severity      string
	Timestamp     int64
}

// SecurityEventFilter narrows GetSecurityEvents results.
type SecurityEventFilter struct {
	EventType     string
	PeerPublicKey string
	Severity      string
	Limit         int
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return errors.New("storage: invalid security event severity")
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func int64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	out := value.Int64
	return &out
}
