// Package replication wires the document CRDT to authenticated peers: local
// edits go out as incremental updates, remote updates merge in, and a fresh
// peer is bootstrapped with a full-state snapshot.
package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gardensync/crdt"
	"gardensync/identity"
	"gardensync/models"
	"gardensync/storage"
)

// BackupExpiry is how long pre-sync backups are kept.
const BackupExpiry = 24 * time.Hour

// ErrInvalidDocument is returned by SetLocal for documents that fail schema
// validation; the validation findings are wrapped in.
var ErrInvalidDocument = errors.New("replication: invalid document")

// Store is the persistence collaborator. *storage.Store satisfies it.
type Store interface {
	LoadDocument() (*models.Document, error)
	SaveDocument(doc *models.Document) error
	SaveBackup(doc *models.Document, reason string, expiresAt int64) (string, error)
}

// SendFunc delivers one encoded frame to a single peer.
type SendFunc func(data []byte) error

// EventType identifies replication outcomes.
type EventType string

const (
	// EventLocalUpdate fires after a local edit is persisted and broadcast.
	EventLocalUpdate EventType = "local_update"
	// EventRemoteApplied fires after a remote update or snapshot changed the
	// document.
	EventRemoteApplied EventType = "remote_applied"
)

// Event is one replication notification.
type Event struct {
	Type    EventType
	PeerKey string
}

// Config controls the replicator.
type Config struct {
	Actor  string
	Store  Store
	Logger *zap.Logger
}

// Replicator owns the CRDT replica and the set of authenticated peers.
// Everything it accepts from the network has already passed authentication;
// peers are registered only through PeerAuthenticated.
type Replicator struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	doc      *crdt.Doc
	peers    map[string]SendFunc
	backedUp bool

	events chan Event
}

// NewReplicator loads the persisted document into a fresh replica. A missing
// document starts empty; a corrupted one is logged and treated as absent.
func NewReplicator(cfg Config) (*Replicator, error) {
	if strings.TrimSpace(cfg.Actor) == "" {
		return nil, errors.New("replication: actor is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("replication: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	doc, err := crdt.New(cfg.Actor)
	if err != nil {
		return nil, err
	}

	r := &Replicator{
		cfg:    cfg,
		logger: cfg.Logger,
		doc:    doc,
		peers:  make(map[string]SendFunc),
		events: make(chan Event, 64),
	}

	persisted, err := cfg.Store.LoadDocument()
	switch {
	case err == nil:
		if _, err := doc.Update(persisted); err != nil {
			return nil, fmt.Errorf("seed replica from persisted document: %w", err)
		}
	case errors.Is(err, storage.ErrNotFound):
	case errors.Is(err, storage.ErrCorrupted):
		r.logger.Warn("persisted document is corrupted, starting empty", zap.Error(err))
	default:
		return nil, fmt.Errorf("load persisted document: %w", err)
	}

	return r, nil
}

// Events delivers replication notifications.
func (r *Replicator) Events() <-chan Event {
	return r.events
}

// Document returns the current materialized document, or nil when the
// replica is empty.
func (r *Replicator) Document() (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.materializeLocked()
}

// SetLocal validates and applies a local edit, persists the result, and
// broadcasts the incremental update to every authenticated peer.
func (r *Replicator) SetLocal(doc *models.Document) error {
	result := models.Validate(doc)
	if !result.Valid {
		return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(result.Errors, "; "))
	}

	r.mu.Lock()
	update, err := r.doc.Update(doc)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("apply local edit: %w", err)
	}
	if update == nil {
		r.mu.Unlock()
		return nil
	}
	sends := r.collectPeersLocked()
	r.mu.Unlock()

	if err := r.cfg.Store.SaveDocument(doc); err != nil {
		return fmt.Errorf("persist document: %w", err)
	}

	frame, err := syncFrame(update)
	if err != nil {
		return err
	}
	r.broadcast(sends, frame)
	r.emit(Event{Type: EventLocalUpdate})
	return nil
}

// HandleSync merges an incremental update from an authenticated peer.
// Updates from unregistered peers are dropped and logged.
func (r *Replicator) HandleSync(peerKey string, update []byte) error {
	r.mu.Lock()
	if _, ok := r.peers[peerKey]; !ok {
		r.mu.Unlock()
		r.logger.Warn("dropping sync from unauthenticated peer",
			zap.String("peer", identity.TruncateKey(peerKey)))
		return nil
	}

	if err := r.backupBeforeRemoteLocked(); err != nil {
		r.logger.Warn("pre-sync backup failed", zap.Error(err))
	}

	changed, err := r.doc.ApplyUpdate(update)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("apply remote update: %w", err)
	}
	if !changed {
		r.mu.Unlock()
		return nil
	}

	doc, err := r.materializeLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if err := r.cfg.Store.SaveDocument(doc); err != nil {
		return fmt.Errorf("persist merged document: %w", err)
	}
	r.emit(Event{Type: EventRemoteApplied, PeerKey: peerKey})
	return nil
}

// HandleFullState merges a full snapshot from an authenticated peer. Merge,
// never replace: local edits newer than the snapshot survive.
func (r *Replicator) HandleFullState(peerKey string, snapshot []byte) error {
	r.mu.Lock()
	if _, ok := r.peers[peerKey]; !ok {
		r.mu.Unlock()
		r.logger.Warn("dropping full-state sync from unauthenticated peer",
			zap.String("peer", identity.TruncateKey(peerKey)))
		return nil
	}

	if err := r.backupBeforeRemoteLocked(); err != nil {
		r.logger.Warn("pre-sync backup failed", zap.Error(err))
	}

	changed, err := r.doc.ApplySnapshot(snapshot)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("apply remote snapshot: %w", err)
	}
	if !changed {
		r.mu.Unlock()
		return nil
	}

	doc, err := r.materializeLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if err := r.cfg.Store.SaveDocument(doc); err != nil {
		return fmt.Errorf("persist merged document: %w", err)
	}
	r.emit(Event{Type: EventRemoteApplied, PeerKey: peerKey})
	return nil
}

// PeerAuthenticated registers a peer's sender and bootstraps it with a
// full-state snapshot.
func (r *Replicator) PeerAuthenticated(peerKey string, send SendFunc) error {
	r.mu.Lock()
	r.peers[peerKey] = send
	snapshot, err := r.doc.Snapshot()
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("snapshot for peer bootstrap: %w", err)
	}

	frame, err := fullStateFrame(snapshot)
	if err != nil {
		return err
	}
	if err := send(frame); err != nil {
		return fmt.Errorf("send bootstrap snapshot: %w", err)
	}

	r.logger.Info("peer registered for replication",
		zap.String("peer", identity.TruncateKey(peerKey)))
	return nil
}

// PeerGone unregisters a disconnected peer.
func (r *Replicator) PeerGone(peerKey string) {
	r.mu.Lock()
	delete(r.peers, peerKey)
	r.mu.Unlock()
}

// backupBeforeRemoteLocked snapshots the pre-merge document once per run,
// before the first remote mutation is applied. Caller holds r.mu.
func (r *Replicator) backupBeforeRemoteLocked() error {
	if r.backedUp {
		return nil
	}
	r.backedUp = true

	doc, err := r.materializeLocked()
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	expiresAt := time.Now().Add(BackupExpiry).UnixMilli()
	if _, err := r.cfg.Store.SaveBackup(doc, "pre-sync", expiresAt); err != nil {
		return err
	}
	return nil
}

// materializeLocked rebuilds the plain document from the replica. Caller
// holds r.mu.
func (r *Replicator) materializeLocked() (*models.Document, error) {
	value, err := r.doc.Value()
	if err != nil {
		return nil, fmt.Errorf("materialize document: %w", err)
	}
	if value == nil {
		return nil, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode materialized document: %w", err)
	}
	var doc models.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode materialized document: %w", err)
	}
	return &doc, nil
}

func (r *Replicator) collectPeersLocked() map[string]SendFunc {
	out := make(map[string]SendFunc, len(r.peers))
	for key, send := range r.peers {
		out[key] = send
	}
	return out
}

func (r *Replicator) broadcast(peers map[string]SendFunc, frame []byte) {
	for key, send := range peers {
		if err := send(frame); err != nil {
			r.logger.Warn("broadcast update",
				zap.String("peer", identity.TruncateKey(key)), zap.Error(err))
		}
	}
}

func (r *Replicator) emit(event Event) {
	select {
	case r.events <- event:
	default:
	}
}
