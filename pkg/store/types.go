// Package store provides the graph store contract and its backend
// implementations for Muninn.
//
// The store layer follows a labeled property graph model: nodes carry a
// single label and an open property bag, relationships carry a type tag, a
// property bag, and explicit start/end node references. Three backends
// implement the same contract:
//
//   - EmbeddedStore: in-process graph held in memory and persisted to a
//     single JSON file with atomic writes and rotating backups
//   - BadgerStore: durable local storage on BadgerDB transactions
//   - Neo4jStore: pass-through adapter for an external Neo4j server
//
// Backends are interchangeable through New; callers must not depend on
// behavior beyond the Store interface.
//
// Example Usage:
//
//	st, err := store.New("embedded", cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	ctx := context.Background()
//	if err := st.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer st.Disconnect(ctx)
//
//	id, err := st.CreateNode(ctx, "Rule", map[string]any{"rule_name": "x"}, "")
//	node, err := st.GetNode(ctx, id)
package store

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Common errors. Callers match these with errors.Is; backends wrap them
// with fmt.Errorf("%w: ...") to attach detail.
var (
	// ErrConnection indicates the backing resource (file, disk database,
	// remote server) could not be reached or opened.
	ErrConnection = errors.New("store: connection failed")

	// ErrNotConnected indicates an operation was issued against a handle
	// that is not in the Connected state. It wraps ErrConnection, so
	// errors.Is(err, ErrConnection) also matches.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrConnection)

	// ErrNodeNotFound indicates a referenced node is absent where its
	// existence was required (e.g. relationship endpoints).
	ErrNodeNotFound = errors.New("store: node not found")

	// ErrRelationshipNotFound indicates a referenced relationship is absent
	// where its existence was required.
	ErrRelationshipNotFound = errors.New("store: relationship not found")

	// ErrValidation indicates malformed input: bad property shape, reserved
	// keys, empty relationship type, invalid direction, duplicate ID.
	ErrValidation = errors.New("store: validation failed")

	// ErrPersistence indicates a file write or rename failure during a
	// durable flush.
	ErrPersistence = errors.New("store: persistence failed")

	// ErrUnknownBackend is returned by the factory for an unrecognized
	// backend identifier, before any connection is attempted.
	ErrUnknownBackend = errors.New("store: unknown backend")
)

// reservedPropertyKeys may not appear in caller-supplied property bags;
// they collide with the identifier bookkeeping of one or more backends.
var reservedPropertyKeys = []string{"id", "_id", "node_id"}

// The embedded backend flattens properties into the persisted entry next to
// the document's structural keys, so those names are reserved per entity
// kind as well. Accepting them would silently drop the property on the next
// save/load cycle.
var (
	reservedNodeKeys         = []string{keyNodeLabel}
	reservedRelationshipKeys = []string{keyLinkSrc, keyLinkDst, keyLinkID, keyLinkType}
)

// Node is a graph node: a unique identifier, a single immutable label
// assigned at creation, and an open property bag.
//
// Property values are restricted to a closed variant set so that every
// backend serializes them identically: string, bool, numbers, []any, and
// map[string]any (nested maps follow the same restriction).
type Node struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
}

// Clone returns a deep copy of the node. Backends return clones so callers
// can never mutate stored state through a returned pointer.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	return &Node{ID: n.ID, Label: n.Label, Properties: cloneProperties(n.Properties)}
}

// Relationship is a graph edge. Storage is undirected, but StartNode and
// EndNode record the logical direction given at creation so reads can filter
// by incoming/outgoing.
type Relationship struct {
	ID         string         `json:"rel_id"`
	StartNode  string         `json:"start_node_id"`
	EndNode    string         `json:"end_node_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// Clone returns a deep copy of the relationship.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	return &Relationship{
		ID:         r.ID,
		StartNode:  r.StartNode,
		EndNode:    r.EndNode,
		Type:       r.Type,
		Properties: cloneProperties(r.Properties),
	}
}

// Direction selects which relationships of a node to return.
type Direction string

// Valid directions for GetRelationships.
const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionBoth     Direction = "both"
)

// ParseDirection validates a direction string. The empty string defaults to
// DirectionBoth; anything else outside the three valid values fails with
// ErrValidation.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "":
		return DirectionBoth, nil
	case DirectionIncoming, DirectionOutgoing, DirectionBoth:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("%w: direction must be 'incoming', 'outgoing', or 'both', got %q", ErrValidation, s)
	}
}

// NewID generates a fresh node or relationship identifier.
func NewID() string {
	return uuid.NewString()
}

// ValidateProperties checks a caller-supplied property bag: keys must not be
// reserved and values must belong to the closed variant set. A nil map is
// valid (treated as empty).
func ValidateProperties(properties map[string]any) error {
	if err := rejectKeys(properties, reservedPropertyKeys); err != nil {
		return err
	}
	for key, value := range properties {
		if err := validateValue(value); err != nil {
			return fmt.Errorf("%w: property %q: %v", ErrValidation, key, err)
		}
	}
	return nil
}

// ValidateNodeProperties checks a node property bag. In addition to the
// shared reserved keys, "label" is rejected because the persisted format
// stores it alongside the flattened properties.
func ValidateNodeProperties(properties map[string]any) error {
	if err := rejectKeys(properties, reservedNodeKeys); err != nil {
		return err
	}
	return ValidateProperties(properties)
}

// ValidateRelationshipProperties checks a relationship property bag. The
// structural link keys (source, target, rel_id, type) are rejected for the
// same reason "label" is rejected on nodes.
func ValidateRelationshipProperties(properties map[string]any) error {
	if err := rejectKeys(properties, reservedRelationshipKeys); err != nil {
		return err
	}
	return ValidateProperties(properties)
}

func rejectKeys(properties map[string]any, keys []string) error {
	for _, key := range keys {
		if _, ok := properties[key]; ok {
			return fmt.Errorf("%w: property key %q is reserved", ErrValidation, key)
		}
	}
	return nil
}

// validateValue enforces the closed variant set for property values.
func validateValue(value any) error {
	switch v := value.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case []any:
		for i, item := range v {
			if err := validateValue(item); err != nil {
				return fmt.Errorf("element %d: %v", i, err)
			}
		}
		return nil
	case []string:
		return nil
	case map[string]any:
		for key, item := range v {
			if err := validateValue(item); err != nil {
				return fmt.Errorf("key %q: %v", key, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", value)
	}
}

// ValidateRelationshipType rejects empty or whitespace-only type tags.
func ValidateRelationshipType(relType string) error {
	if strings.TrimSpace(relType) == "" {
		return fmt.Errorf("%w: relationship type must be a non-empty string", ErrValidation)
	}
	return nil
}

// matchesFilters reports whether every filter key is present in the node's
// property bag with an equal value. Exact-match equality only.
func matchesFilters(node *Node, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := node.Properties[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// sortNodesByID orders query results for deterministic iteration.
func sortNodesByID(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// cloneProperties deep-copies a property bag. Lists and nested maps are
// copied one level at a time; scalars are value types already.
func cloneProperties(properties map[string]any) map[string]any {
	copied := make(map[string]any, len(properties))
	for k, v := range properties {
		copied[k] = cloneValue(v)
	}
	return copied
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case map[string]any:
		return cloneProperties(v)
	default:
		return v
	}
}
