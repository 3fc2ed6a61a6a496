package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// pathSeparator joins path segments into register keys. Unit separator is
// not a legal character in document field names or record IDs.
const pathSeparator = "\x1f"

func pathKey(path []string) string {
	return strings.Join(path, pathSeparator)
}

// Normalize converts any JSON-marshalable value into the plain
// map/slice/scalar shape the CRDT operates on.
func Normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("crdt: normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("crdt: normalize value: %w", err)
	}
	return out, nil
}

// flatten walks a normalized value and emits one leaf register per scalar
// path. Objects recurse per field. Arrays whose elements all carry a unique
// string "id" become keyed collections: one register per element field plus
// an order register listing IDs. Any other array is a whole-value register.
func flatten(prefix []string, value any, out map[string]json.RawMessage) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			return emitLeaf(prefix, typed, out)
		}
		for key, child := range typed {
			if err := flatten(append(append([]string(nil), prefix...), key), child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		ids, ok := recordArrayIDs(typed)
		if !ok {
			return emitLeaf(prefix, typed, out)
		}
		orderPath := append(append([]string(nil), prefix...), orderKey)
		if err := emitLeaf(orderPath, ids, out); err != nil {
			return err
		}
		for i, element := range typed {
			elementPath := append(append([]string(nil), prefix...), ids[i])
			if err := flatten(elementPath, element, out); err != nil {
				return err
			}
		}
		return nil
	default:
		return emitLeaf(prefix, typed, out)
	}
}

func emitLeaf(path []string, value any, out map[string]json.RawMessage) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("crdt: marshal leaf at %q: %w", pathKey(path), err)
	}
	out[pathKey(path)] = raw
	return nil
}

// recordArrayIDs returns the element IDs when every array element is an
// object with a unique non-empty string "id".
func recordArrayIDs(elements []any) ([]string, bool) {
	if len(elements) == 0 {
		return nil, false
	}

	ids := make([]string, 0, len(elements))
	seen := make(map[string]bool, len(elements))
	for _, element := range elements {
		record, ok := element.(map[string]any)
		if !ok {
			return nil, false
		}
		id, ok := record["id"].(string)
		if !ok || id == "" || id == orderKey || seen[id] {
			return nil, false
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, true
}

// valueTree rebuilds the nested plain value from live registers.
type valueTree struct {
	children map[string]*valueTree
	leaf     *register
	leafTag  Tag
}

func newValueTree() *valueTree {
	return &valueTree{children: make(map[string]*valueTree)}
}

func (n *valueTree) insert(path []string, reg *register) {
	if len(path) == 0 {
		n.leaf = reg
		n.leafTag = reg.Tag
		return
	}
	child, ok := n.children[path[0]]
	if !ok {
		child = newValueTree()
		n.children[path[0]] = child
	}
	child.insert(path[1:], reg)
}

// maxTag returns the newest tag in the subtree, used to resolve the rare
// case of a leaf and children coexisting at one path after a type change.
func (n *valueTree) maxTag() Tag {
	max := Tag{}
	if n.leaf != nil {
		max = n.leafTag
	}
	for _, child := range n.children {
		if t := child.maxTag(); t.After(max) {
			max = t
		}
	}
	return max
}

func (n *valueTree) materialize() (any, error) {
	if len(n.children) == 0 {
		if n.leaf == nil {
			return nil, nil
		}
		return decodeLeaf(n.leaf.Value)
	}

	if n.leaf != nil {
		childMax := Tag{}
		for _, child := range n.children {
			if t := child.maxTag(); t.After(childMax) {
				childMax = t
			}
		}
		if n.leafTag.After(childMax) {
			return decodeLeaf(n.leaf.Value)
		}
	}

	if order, ok := n.children[orderKey]; ok && order.leaf != nil {
		return n.materializeCollection(order)
	}

	out := make(map[string]any, len(n.children))
	for key, child := range n.children {
		value, err := child.materialize()
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

func (n *valueTree) materializeCollection(order *valueTree) (any, error) {
	decoded, err := decodeLeaf(order.leaf.Value)
	if err != nil {
		return nil, err
	}

	orderedIDs := make([]string, 0)
	if list, ok := decoded.([]any); ok {
		for _, entry := range list {
			if id, ok := entry.(string); ok {
				orderedIDs = append(orderedIDs, id)
			}
		}
	}

	present := make(map[string]bool, len(n.children))
	for id := range n.children {
		if id != orderKey {
			present[id] = true
		}
	}

	out := make([]any, 0, len(present))
	appendElement := func(id string) error {
		value, err := n.children[id].materialize()
		if err != nil {
			return err
		}
		out = append(out, value)
		return nil
	}

	for _, id := range orderedIDs {
		if present[id] {
			delete(present, id)
			if err := appendElement(id); err != nil {
				return nil, err
			}
		}
	}

	// Elements merged in concurrently may not be in the order register yet;
	// append them deterministically.
	remaining := make([]string, 0, len(present))
	for id := range present {
		remaining = append(remaining, id)
	}
	sort.Strings(remaining)
	for _, id := range remaining {
		if err := appendElement(id); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func decodeLeaf(raw json.RawMessage) (any, error) {
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("crdt: decode leaf register: %w", err)
	}
	return out, nil
}
