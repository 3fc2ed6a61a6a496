// Package crdt implements a last-writer-wins path-register CRDT over
// JSON-shaped document values. State is a flat set of tagged registers;
// merging is pointwise LWW, which makes update application commutative and
// idempotent by construction. The nested document value is a pure function
// of the register set.
package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type register struct {
	Path    []string
	Value   json.RawMessage
	Tag     Tag
	Deleted bool
}

// Doc is one replica of the replicated document.
type Doc struct {
	mu        sync.Mutex
	actor     string
	clock     uint64
	registers map[string]*register
}

// New creates an empty replica for the given actor ID.
func New(actor string) (*Doc, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, errors.New("crdt: actor ID is required")
	}
	return &Doc{
		actor:     actor,
		registers: make(map[string]*register),
	}, nil
}

// Load creates a replica seeded from a plain value.
func Load(actor string, value any) (*Doc, error) {
	doc, err := New(actor)
	if err != nil {
		return nil, err
	}
	if _, err := doc.Update(value); err != nil {
		return nil, err
	}
	return doc, nil
}

// Actor returns the replica's actor ID.
func (d *Doc) Actor() string {
	return d.actor
}

// Update diffs the current value against newValue inside one atomic
// transaction and returns the encoded incremental update, or nil when
// nothing changed. The ops are applied locally before returning, so a
// reader never observes a partial transaction.
func (d *Doc) Update(newValue any) ([]byte, error) {
	normalized, err := Normalize(newValue)
	if err != nil {
		return nil, err
	}

	next := make(map[string]json.RawMessage)
	if normalized != nil {
		if err := flatten(nil, normalized, next); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	paths := make(map[string][]string)
	collectPaths := func(key string) []string {
		if p, ok := paths[key]; ok {
			return p
		}
		p := strings.Split(key, pathSeparator)
		paths[key] = p
		return p
	}

	var ops []Op
	for key, value := range next {
		existing, ok := d.registers[key]
		if ok && !existing.Deleted && bytes.Equal(existing.Value, value) {
			continue
		}
		ops = append(ops, Op{Path: collectPaths(key), Kind: opSet, Value: value})
	}
	for key, existing := range d.registers {
		if existing.Deleted {
			continue
		}
		if _, ok := next[key]; !ok {
			ops = append(ops, Op{Path: collectPaths(key), Kind: opDelete})
		}
	}

	if len(ops) == 0 {
		return nil, nil
	}

	// One clock tick per transaction; distinct paths keep ops independent.
	d.clock++
	tag := Tag{Clock: d.clock, Actor: d.actor}
	for i := range ops {
		ops[i].Tag = tag
		d.applyOp(ops[i])
	}

	return EncodeUpdate(Update{Actor: d.actor, Ops: ops})
}

// ApplyUpdate merges an incremental update received from a peer. It is safe
// to apply updates out of order or more than once; the return value reports
// whether anything actually changed.
func (d *Doc) ApplyUpdate(raw []byte) (bool, error) {
	update, err := DecodeUpdate(raw)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for _, op := range update.Ops {
		if d.applyOp(op) {
			changed = true
		}
		if op.Tag.Clock > d.clock {
			d.clock = op.Tag.Clock
		}
	}
	return changed, nil
}

// applyOp merges one op pointwise. Caller holds d.mu.
func (d *Doc) applyOp(op Op) bool {
	key := pathKey(op.Path)
	existing, ok := d.registers[key]
	if ok && !op.Tag.After(existing.Tag) {
		return false
	}

	reg := &register{
		Path: append([]string(nil), op.Path...),
		Tag:  op.Tag,
	}
	if op.Kind == opDelete {
		reg.Deleted = true
	} else {
		reg.Value = append(json.RawMessage(nil), op.Value...)
	}
	d.registers[key] = reg

	if !ok {
		return op.Kind != opDelete
	}
	if existing.Deleted != reg.Deleted {
		return true
	}
	return !bytes.Equal(existing.Value, reg.Value)
}

// Snapshot encodes the full tagged register state, tombstones included, for
// bootstrapping a newly authenticated peer.
func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := snapshotState{Registers: make([]snapshotRegister, 0, len(d.registers))}
	for _, reg := range d.registers {
		state.Registers = append(state.Registers, snapshotRegister{
			Path:    reg.Path,
			Value:   reg.Value,
			Tag:     reg.Tag,
			Deleted: reg.Deleted,
		})
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode snapshot: %w", err)
	}
	return raw, nil
}

// ApplySnapshot merges a full-state snapshot. Merge, never replace: local
// registers newer than the snapshot's survive.
func (d *Doc) ApplySnapshot(raw []byte) (bool, error) {
	var state snapshotState
	if err := json.Unmarshal(raw, &state); err != nil {
		return false, fmt.Errorf("crdt: decode snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for _, reg := range state.Registers {
		if len(reg.Path) == 0 {
			return false, errors.New("crdt: snapshot register has empty path")
		}
		kind := opSet
		if reg.Deleted {
			kind = opDelete
		}
		if d.applyOp(Op{Path: reg.Path, Kind: kind, Value: reg.Value, Tag: reg.Tag}) {
			changed = true
		}
		if reg.Tag.Clock > d.clock {
			d.clock = reg.Tag.Clock
		}
	}
	return changed, nil
}

// Value rebuilds the current plain document value. Loading a value and
// reading it back yields an equal value (JSON-normalized equality).
func (d *Doc) Value() (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	root := newValueTree()
	live := 0
	for _, reg := range d.registers {
		if reg.Deleted {
			continue
		}
		root.insert(reg.Path, reg)
		live++
	}
	if live == 0 {
		return nil, nil
	}

	return root.materialize()
}
