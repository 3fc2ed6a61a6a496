package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	opSet    = "set"
	opDelete = "del"

	// orderKey is the synthetic register holding element order for keyed
	// collections. Document field names must not collide with it.
	orderKey = "@order"
)

// Tag orders concurrent writes: Lamport clock first, actor ID as tiebreak.
// The comparison rule matches classic LWW registers: a write wins when its
// clock is higher, or on equal clocks when its actor sorts higher.
type Tag struct {
	Clock uint64 `json:"c"`
	Actor string `json:"a"`
}

// After reports whether t should win over other.
func (t Tag) After(other Tag) bool {
	if t.Clock != other.Clock {
		return t.Clock > other.Clock
	}
	return t.Actor > other.Actor
}

// Op is one tagged mutation of a single path register.
type Op struct {
	Path  []string        `json:"p"`
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v,omitempty"`
	Tag   Tag             `json:"t"`
}

// Update is the incremental wire payload broadcast after a transaction.
type Update struct {
	Actor string `json:"actor"`
	Ops   []Op   `json:"ops"`
}

// EncodeUpdate serializes an update for transmission.
func EncodeUpdate(update Update) ([]byte, error) {
	raw, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode update: %w", err)
	}
	return raw, nil
}

// DecodeUpdate parses and structurally validates an update payload.
func DecodeUpdate(raw []byte) (Update, error) {
	var update Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return Update{}, fmt.Errorf("crdt: decode update: %w", err)
	}
	for i, op := range update.Ops {
		if len(op.Path) == 0 {
			return Update{}, fmt.Errorf("crdt: update op %d has empty path", i)
		}
		if op.Kind != opSet && op.Kind != opDelete {
			return Update{}, fmt.Errorf("crdt: update op %d has unknown kind %q", i, op.Kind)
		}
		if op.Tag.Actor == "" {
			return Update{}, errors.New("crdt: update op missing actor tag")
		}
	}
	return update, nil
}

// snapshotState is the full-state wire payload used to bootstrap peers.
type snapshotState struct {
	Registers []snapshotRegister `json:"registers"`
}

type snapshotRegister struct {
	Path    []string        `json:"p"`
	Value   json.RawMessage `json:"v,omitempty"`
	Tag     Tag             `json:"t"`
	Deleted bool            `json:"d,omitempty"`
}
