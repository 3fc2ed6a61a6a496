package storage

import (
	"testing"
)

func TestLogSecurityEventFillsDefaults(t *testing.T) {
	store := newTestStore(t)

	err := store.LogSecurityEvent(SecurityEvent{EventType: "auth_failed"})
	if err != nil {
		t.Fatalf("log security event: %v", err)
	}

	events, err := store.GetSecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("get security events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	event := events[0]
	if event.Severity != SecuritySeverityInfo {
		t.Fatalf("expected default severity %q, got %q", SecuritySeverityInfo, event.Severity)
	}
	if event.Details != "{}" {
		t.Fatalf("expected empty details to default to {}, got %q", event.Details)
	}
	if event.Timestamp == 0 {
		t.Fatalf("expected timestamp to be filled")
	}
}

func TestGetSecurityEventsFiltering(t *testing.T) {
	store := newTestStore(t)

	base := nowUnixMilli()
	peer := "peer-key-abc"
	fixtures := []SecurityEvent{
		{EventType: "auth_failed", PeerPublicKey: &peer, Severity: SecuritySeverityWarning, Timestamp: base - 2000},
		{EventType: "auth_failed", Severity: SecuritySeverityWarning, Timestamp: base - 1000},
		{EventType: "unpaired_peer_rejected", PeerPublicKey: &peer, Severity: SecuritySeverityInfo, Timestamp: base},
	}
	for _, event := range fixtures {
		if err := store.LogSecurityEvent(event); err != nil {
			t.Fatalf("log security event %q: %v", event.EventType, err)
		}
	}

	byType, err := store.GetSecurityEvents(SecurityEventFilter{EventType: "auth_failed"})
	if err != nil {
		t.Fatalf("filter by type: %v", err)
	}
	if len(byType) != 2 {
		t.Fatalf("expected 2 auth_failed events, got %d", len(byType))
	}
	if byType[0].Timestamp != base-1000 {
		t.Fatalf("expected newest event first, got timestamp %d", byType[0].Timestamp)
	}

	byPeer, err := store.GetSecurityEvents(SecurityEventFilter{PeerPublicKey: peer})
	if err != nil {
		t.Fatalf("filter by peer: %v", err)
	}
	if len(byPeer) != 2 {
		t.Fatalf("expected 2 events for peer, got %d", len(byPeer))
	}

	limited, err := store.GetSecurityEvents(SecurityEventFilter{Limit: 1})
	if err != nil {
		t.Fatalf("limited query: %v", err)
	}
	if len(limited) != 1 || limited[0].EventType != "unpaired_peer_rejected" {
		t.Fatalf("expected the single newest event, got %+v", limited)
	}
}

func TestLogSecurityEventValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogSecurityEvent(SecurityEvent{}); err == nil {
		t.Fatalf("expected missing event_type to be rejected")
	}
	if err := store.LogSecurityEvent(SecurityEvent{EventType: "x", Severity: "panic"}); err == nil {
		t.Fatalf("expected unknown severity to be rejected")
	}
	if err := store.LogSecurityEvent(SecurityEvent{EventType: "x", Details: "not json"}); err == nil {
		t.Fatalf("expected non-JSON details to be rejected")
	}
}

func TestPruneSecurityEvents(t *testing.T) {
	store := newTestStore(t)

	base := nowUnixMilli()
	for _, ts := range []int64{base - 2000, base - 1000, base} {
		err := store.LogSecurityEvent(SecurityEvent{EventType: "auth_failed", Timestamp: ts})
		if err != nil {
			t.Fatalf("log security event: %v", err)
		}
	}

	deleted, err := store.PruneSecurityEvents(base - 500)
	if err != nil {
		t.Fatalf("prune security events: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 pruned events, got %d", deleted)
	}

	remaining, err := store.GetSecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("get security events: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Timestamp != base {
		t.Fatalf("expected only the newest event to remain, got %+v", remaining)
	}
}
