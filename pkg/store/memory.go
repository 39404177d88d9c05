package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// EmbeddedOptions configures an EmbeddedStore.
type EmbeddedOptions struct {
	// DataFile is the path of the persisted JSON document.
	DataFile string
	// AutoSave flushes the full graph to disk after every mutation. When
	// false the graph is only flushed on Disconnect.
	AutoSave bool
	// BackupCount bounds the rotating .bakN chain; 0 disables backups.
	BackupCount int
}

// EmbeddedStore is the in-process backend: the whole graph lives in memory
// and is persisted as a single JSON document.
//
// Every save serializes the entire graph; there is no incremental log. That
// is a deliberate simplicity trade-off, correct for small-to-medium graphs
// and unsuitable at scale.
//
// A single mutex serializes every operation, including the mutate-then-save
// sequence, so one handle is safe for concurrent callers. Handles must not
// share a data file path; each handle assumes exclusive ownership of its
// file.
type EmbeddedStore struct {
	opts EmbeddedOptions

	mu        sync.Mutex
	connected bool

	nodes map[string]*Node
	rels  map[string]*Relationship

	// byLabel maps label -> node ID set, maintained incrementally so label
	// queries never scan the full node map.
	byLabel map[string]map[string]struct{}

	// incident maps node ID -> IDs of relationships touching it, in either
	// role, for O(degree) traversal and cascade delete.
	incident map[string]map[string]struct{}

	// relCounter counts relationship creations across the life of the data
	// file. It is persisted as bookkeeping metadata only; identifiers are
	// UUIDs.
	relCounter int64
}

// NewEmbeddedStore creates a disconnected embedded store. No file I/O
// happens until Connect.
func NewEmbeddedStore(opts EmbeddedOptions) *EmbeddedStore {
	s := &EmbeddedStore{opts: opts}
	s.reset()
	return s
}

// reset replaces all in-memory state with an empty graph. Caller holds mu.
func (s *EmbeddedStore) reset() {
	s.nodes = make(map[string]*Node)
	s.rels = make(map[string]*Relationship)
	s.byLabel = make(map[string]map[string]struct{})
	s.incident = make(map[string]map[string]struct{})
	s.relCounter = 0
}

// Connect loads the persisted graph into memory. A missing or empty data
// file bootstraps an empty graph; a structurally corrupt file is discarded
// with a loud warning and also yields an empty graph. Only genuine I/O
// failures (file exists but cannot be read) fail Connect.
func (s *EmbeddedStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	if err := s.load(); err != nil {
		return err
	}
	s.connected = true
	log.Printf("embedded store connected: %d nodes, %d relationships (%s)",
		len(s.nodes), len(s.rels), s.opts.DataFile)
	return nil
}

// Disconnect flushes the graph to disk and releases the handle. It is safe
// to call on an already-disconnected handle.
func (s *EmbeddedStore) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	err := s.save()
	s.connected = false
	return err
}

// HealthCheck reports whether the handle is connected.
func (s *EmbeddedStore) HealthCheck(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// CreateNode adds a node to the graph. An empty nodeID generates a fresh
// UUID; supplying an existing ID fails with ErrValidation rather than
// upserting.
func (s *EmbeddedStore) CreateNode(ctx context.Context, label string, properties map[string]any, nodeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return "", ErrNotConnected
	}
	if strings.TrimSpace(label) == "" {
		return "", fmt.Errorf("%w: node label must be a non-empty string", ErrValidation)
	}
	if err := ValidateNodeProperties(properties); err != nil {
		return "", err
	}

	if nodeID == "" {
		nodeID = NewID()
	} else if _, exists := s.nodes[nodeID]; exists {
		return "", fmt.Errorf("%w: node %q already exists", ErrValidation, nodeID)
	}

	s.nodes[nodeID] = &Node{ID: nodeID, Label: label, Properties: cloneProperties(properties)}
	s.indexLabel(label, nodeID)

	if err := s.maybeSave(); err != nil {
		return "", err
	}
	return nodeID, nil
}

// GetNode returns a copy of the node, or (nil, nil) when absent.
func (s *EmbeddedStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.nodes[nodeID].Clone(), nil
}

// UpdateNode merges properties onto the node's existing bag. Existing keys
// are overwritten, absent keys are kept. Returns (false, nil) when the node
// does not exist.
func (s *EmbeddedStore) UpdateNode(ctx context.Context, nodeID string, properties map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return false, ErrNotConnected
	}
	if err := ValidateNodeProperties(properties); err != nil {
		return false, err
	}

	node, ok := s.nodes[nodeID]
	if !ok {
		return false, nil
	}
	for k, v := range properties {
		node.Properties[k] = cloneValue(v)
	}

	if err := s.maybeSave(); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteNode removes a node and cascades to every incident relationship.
// Returns (false, nil) when the node does not exist.
func (s *EmbeddedStore) DeleteNode(ctx context.Context, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return false, ErrNotConnected
	}

	node, ok := s.nodes[nodeID]
	if !ok {
		return false, nil
	}

	for relID := range s.incident[nodeID] {
		s.removeRelationship(relID)
	}
	delete(s.incident, nodeID)

	s.unindexLabel(node.Label, nodeID)
	delete(s.nodes, nodeID)

	if err := s.maybeSave(); err != nil {
		return false, err
	}
	return true, nil
}

// GetNodesByLabel returns copies of the nodes bearing label, filtered by
// exact-match property equality and sorted by ID. A limit <= 0 returns all
// matches; a positive limit truncates after filtering.
func (s *EmbeddedStore) GetNodesByLabel(ctx context.Context, label string, filters map[string]any, limit int) ([]*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, ErrNotConnected
	}

	matched := make([]*Node, 0, len(s.byLabel[label]))
	for nodeID := range s.byLabel[label] {
		node := s.nodes[nodeID]
		if node == nil {
			continue
		}
		if matchesFilters(node, filters) {
			matched = append(matched, node.Clone())
		}
	}
	sortNodesByID(matched)

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// CreateRelationship links two existing nodes. Storage is undirected; the
// start/end markers record the logical direction for later filtering.
func (s *EmbeddedStore) CreateRelationship(ctx context.Context, startID, endID, relType string, properties map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return "", ErrNotConnected
	}
	if err := ValidateRelationshipType(relType); err != nil {
		return "", err
	}
	if err := ValidateRelationshipProperties(properties); err != nil {
		return "", err
	}
	if _, ok := s.nodes[startID]; !ok {
		return "", fmt.Errorf("%w: start node %q", ErrNodeNotFound, startID)
	}
	if _, ok := s.nodes[endID]; !ok {
		return "", fmt.Errorf("%w: end node %q", ErrNodeNotFound, endID)
	}

	relID := NewID()
	s.relCounter++
	s.rels[relID] = &Relationship{
		ID:         relID,
		StartNode:  startID,
		EndNode:    endID,
		Type:       relType,
		Properties: cloneProperties(properties),
	}
	s.indexIncident(startID, relID)
	s.indexIncident(endID, relID)

	if err := s.maybeSave(); err != nil {
		return "", err
	}
	return relID, nil
}

// GetRelationships returns copies of the relationships incident to nodeID.
// An empty relType matches all types. An unknown node yields an empty slice.
func (s *EmbeddedStore) GetRelationships(ctx context.Context, nodeID, relType string, direction Direction) ([]*Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, ErrNotConnected
	}
	dir, err := ParseDirection(string(direction))
	if err != nil {
		return nil, err
	}

	out := make([]*Relationship, 0, len(s.incident[nodeID]))
	for relID := range s.incident[nodeID] {
		rel := s.rels[relID]
		if rel == nil {
			continue
		}
		if relType != "" && rel.Type != relType {
			continue
		}
		switch dir {
		case DirectionOutgoing:
			if rel.StartNode != nodeID {
				continue
			}
		case DirectionIncoming:
			if rel.EndNode != nodeID {
				continue
			}
		}
		out = append(out, rel.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteRelationship removes a relationship. Returns (false, nil) when
// absent.
func (s *EmbeddedStore) DeleteRelationship(ctx context.Context, relID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return false, ErrNotConnected
	}
	if _, ok := s.rels[relID]; !ok {
		return false, nil
	}
	s.removeRelationship(relID)

	if err := s.maybeSave(); err != nil {
		return false, err
	}
	return true, nil
}

// ExecuteQuery supports only a fixed vocabulary; the embedded backend hosts
// no query language. Supported: "count nodes", "count edges", "list nodes",
// "list edges". Anything else fails with ErrValidation.
func (s *EmbeddedStore) ExecuteQuery(ctx context.Context, query string, params map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, ErrNotConnected
	}

	// Prefix match, like the vocabulary it replaces a query language with.
	q := strings.ToLower(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(q, "count nodes"):
		return len(s.nodes), nil
	case strings.HasPrefix(q, "count edges"):
		return len(s.rels), nil
	case strings.HasPrefix(q, "list nodes"):
		nodes := make([]*Node, 0, len(s.nodes))
		for _, node := range s.nodes {
			nodes = append(nodes, node.Clone())
		}
		sortNodesByID(nodes)
		return nodes, nil
	case strings.HasPrefix(q, "list edges"):
		rels := make([]*Relationship, 0, len(s.rels))
		for _, rel := range s.rels {
			rels = append(rels, rel.Clone())
		}
		sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
		return rels, nil
	default:
		return nil, fmt.Errorf("%w: unsupported query %q (supported: count nodes, count edges, list nodes, list edges)", ErrValidation, query)
	}
}

// ClearAll irreversibly wipes the graph and, with auto-save on, persists the
// empty state immediately.
func (s *EmbeddedStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	s.reset()
	log.Printf("WARN: cleared all data from embedded store (%s)", s.opts.DataFile)
	return s.maybeSave()
}

// indexLabel records nodeID under label. Caller holds mu.
func (s *EmbeddedStore) indexLabel(label, nodeID string) {
	set, ok := s.byLabel[label]
	if !ok {
		set = make(map[string]struct{})
		s.byLabel[label] = set
	}
	set[nodeID] = struct{}{}
}

// unindexLabel removes nodeID from label's set, dropping the set when it
// empties. Caller holds mu.
func (s *EmbeddedStore) unindexLabel(label, nodeID string) {
	set, ok := s.byLabel[label]
	if !ok {
		return
	}
	delete(set, nodeID)
	if len(set) == 0 {
		delete(s.byLabel, label)
	}
}

func (s *EmbeddedStore) indexIncident(nodeID, relID string) {
	set, ok := s.incident[nodeID]
	if !ok {
		set = make(map[string]struct{})
		s.incident[nodeID] = set
	}
	set[relID] = struct{}{}
}

// removeRelationship deletes the relationship and its incident-index
// entries on both endpoints. Caller holds mu.
func (s *EmbeddedStore) removeRelationship(relID string) {
	rel, ok := s.rels[relID]
	if !ok {
		return
	}
	delete(s.rels, relID)
	for _, nodeID := range []string{rel.StartNode, rel.EndNode} {
		if set, ok := s.incident[nodeID]; ok {
			delete(set, relID)
			if len(set) == 0 {
				delete(s.incident, nodeID)
			}
		}
	}
}

// maybeSave flushes the graph when auto-save is on. Caller holds mu.
func (s *EmbeddedStore) maybeSave() error {
	if !s.opts.AutoSave {
		return nil
	}
	return s.save()
}

// save serializes the whole graph and writes it atomically, rotating
// backups first. Caller holds mu.
func (s *EmbeddedStore) save() error {
	data, err := encodeGraph(&graphSnapshot{
		Nodes:               s.nodes,
		Rels:                s.rels,
		LabelIndex:          s.labelIndexLists(),
		RelationshipCounter: s.relCounter,
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(s.opts.DataFile, data, s.opts.BackupCount)
}

// load reads the data file into memory. Caller holds mu.
func (s *EmbeddedStore) load() error {
	s.reset()

	info, err := os.Stat(s.opts.DataFile)
	if os.IsNotExist(err) {
		log.Printf("data file %s does not exist, starting with empty graph", s.opts.DataFile)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrConnection, s.opts.DataFile, err)
	}
	if info.Size() == 0 {
		log.Printf("data file %s is empty, starting with empty graph", s.opts.DataFile)
		return nil
	}

	data, err := os.ReadFile(s.opts.DataFile)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrConnection, s.opts.DataFile, err)
	}

	snap, err := decodeGraph(data)
	if err != nil {
		// Availability over durability: a corrupted file never prevents
		// startup, but losing it is effectively silent data loss, so shout.
		log.Printf("WARN: discarding corrupt data file %s (%v), starting with empty graph", s.opts.DataFile, err)
		s.reset()
		return nil
	}

	s.nodes = snap.Nodes
	s.rels = snap.Rels
	s.relCounter = snap.RelationshipCounter
	s.rebuildIndexes()
	s.validatePersistedLabelIndex(snap.LabelIndex)

	log.Printf("loaded graph with %d nodes and %d relationships from %s",
		len(s.nodes), len(s.rels), s.opts.DataFile)
	return nil
}

// rebuildIndexes derives the label and incident indexes from the node and
// relationship sets. Caller holds mu.
func (s *EmbeddedStore) rebuildIndexes() {
	s.byLabel = make(map[string]map[string]struct{})
	s.incident = make(map[string]map[string]struct{})
	for nodeID, node := range s.nodes {
		s.indexLabel(node.Label, nodeID)
	}
	for relID, rel := range s.rels {
		s.indexIncident(rel.StartNode, relID)
		s.indexIncident(rel.EndNode, relID)
	}
}

// validatePersistedLabelIndex compares the file's cached nodes_by_label
// against the index rebuilt from the node set. The rebuilt index always
// wins; a divergence means the file was edited or written by buggy code, so
// it is logged rather than trusted. Caller holds mu.
func (s *EmbeddedStore) validatePersistedLabelIndex(persisted map[string][]string) {
	if persisted == nil {
		return
	}
	divergent := false
	if len(persisted) != len(s.byLabel) {
		divergent = true
	} else {
		for label, ids := range persisted {
			set := s.byLabel[label]
			if len(set) != len(ids) {
				divergent = true
				break
			}
			for _, id := range ids {
				if _, ok := set[id]; !ok {
					divergent = true
					break
				}
			}
		}
	}
	if divergent {
		log.Printf("WARN: persisted label index in %s diverges from node set, using rebuilt index", s.opts.DataFile)
	}
}

// labelIndexLists converts the live label index into the persisted list
// form, with IDs sorted for deterministic output. Caller holds mu.
func (s *EmbeddedStore) labelIndexLists() map[string][]string {
	out := make(map[string][]string, len(s.byLabel))
	for label, set := range s.byLabel {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[label] = ids
	}
	return out
}
