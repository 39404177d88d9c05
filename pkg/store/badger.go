package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization. Single-byte prefixes keep
// keys short and make full-prefix scans cheap.
const (
	prefixNode     = byte(0x01) // node:nodeID -> Node JSON
	prefixRel      = byte(0x02) // rel:relID -> Relationship JSON
	prefixLabel    = byte(0x03) // label:label + 0x00 + nodeID -> nil
	prefixIncident = byte(0x04) // incident:nodeID + 0x00 + relID -> nil
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// DataDir is the directory holding Badger's tables and value log.
	DataDir string
	// InMemory runs without disk persistence; data is lost on Disconnect.
	InMemory bool
	// SyncWrites fsyncs every commit. Slower, maximum safety.
	SyncWrites bool
}

// BadgerStore is the durable local backend. Unlike the embedded engine it
// never holds the whole graph in memory: every operation runs inside a
// Badger transaction, and the label and incident indexes are key ranges
// rather than in-process maps.
//
// Key space layout (values are JSON documents or empty index markers):
//
//	0x01 <nodeID>              node document
//	0x02 <relID>               relationship document
//	0x03 <label> 0x00 <nodeID> label index entry
//	0x04 <nodeID> 0x00 <relID> incident-relationship index entry
type BadgerStore struct {
	opts BadgerOptions

	mu        sync.Mutex
	db        *badger.DB
	connected bool
}

// NewBadgerStore returns a disconnected store; the database is opened on
// Connect.
func NewBadgerStore(opts BadgerOptions) *BadgerStore {
	return &BadgerStore{opts: opts}
}

// Connect opens the Badger database.
func (s *BadgerStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	badgerOpts := badger.DefaultOptions(s.opts.DataDir).
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2)
	if s.opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if s.opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return fmt.Errorf("%w: opening badger at %s: %v", ErrConnection, s.opts.DataDir, err)
	}
	s.db = db
	s.connected = true
	return nil
}

// Disconnect closes the database. Safe on an already-disconnected handle.
func (s *BadgerStore) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.connected = false
	if err != nil {
		return fmt.Errorf("%w: closing badger: %v", ErrConnection, err)
	}
	return nil
}

// HealthCheck reports whether the database handle is open and usable.
func (s *BadgerStore) HealthCheck(ctx context.Context) bool {
	s.mu.Lock()
	db, connected := s.db, s.connected
	s.mu.Unlock()

	if !connected || db == nil {
		return false
	}
	return !db.IsClosed()
}

func (s *BadgerStore) handle() (*badger.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.db == nil {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

// CreateNode stores a node document and its label index entry in one
// transaction. Supplying an existing ID fails with ErrValidation.
func (s *BadgerStore) CreateNode(ctx context.Context, label string, properties map[string]any, nodeID string) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(label) == "" {
		return "", fmt.Errorf("%w: node label must be a non-empty string", ErrValidation)
	}
	if err := ValidateNodeProperties(properties); err != nil {
		return "", err
	}
	if nodeID == "" {
		nodeID = NewID()
	}

	node := &Node{ID: nodeID, Label: label, Properties: cloneProperties(properties)}
	data, err := json.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("%w: encoding node: %v", ErrPersistence, err)
	}

	err = db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(nodeID)); err == nil {
			return fmt.Errorf("%w: node %q already exists", ErrValidation, nodeID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(nodeKey(nodeID), data); err != nil {
			return err
		}
		return txn.Set(labelIndexKey(label, nodeID), nil)
	})
	if err != nil {
		return "", badgerError("creating node", err)
	}
	return nodeID, nil
}

// GetNode returns the node or (nil, nil) when absent.
func (s *BadgerStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var node *Node
	err = db.View(func(txn *badger.Txn) error {
		got, err := getNodeTxn(txn, nodeID)
		node = got
		return err
	})
	if err != nil {
		return nil, badgerError("getting node", err)
	}
	return node, nil
}

// UpdateNode merges properties onto the stored document. Returns
// (false, nil) when the node does not exist.
func (s *BadgerStore) UpdateNode(ctx context.Context, nodeID string, properties map[string]any) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	if err := ValidateNodeProperties(properties); err != nil {
		return false, err
	}

	updated := false
	err = db.Update(func(txn *badger.Txn) error {
		node, err := getNodeTxn(txn, nodeID)
		if err != nil || node == nil {
			return err
		}
		for k, v := range properties {
			node.Properties[k] = cloneValue(v)
		}
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("%w: encoding node: %v", ErrPersistence, err)
		}
		if err := txn.Set(nodeKey(nodeID), data); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, badgerError("updating node", err)
	}
	return updated, nil
}

// DeleteNode removes the node, its label index entry, and every incident
// relationship. Returns (false, nil) when absent.
func (s *BadgerStore) DeleteNode(ctx context.Context, nodeID string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	deleted := false
	err = db.Update(func(txn *badger.Txn) error {
		node, err := getNodeTxn(txn, nodeID)
		if err != nil || node == nil {
			return err
		}

		for _, relID := range scanIndex(txn, incidentIndexPrefix(nodeID)) {
			if err := deleteRelationshipTxn(txn, relID); err != nil {
				return err
			}
		}

		if err := txn.Delete(labelIndexKey(node.Label, nodeID)); err != nil {
			return err
		}
		if err := txn.Delete(nodeKey(nodeID)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, badgerError("deleting node", err)
	}
	return deleted, nil
}

// GetNodesByLabel scans the label index range, which is already ordered by
// node ID, then applies filters and the post-filter limit.
func (s *BadgerStore) GetNodesByLabel(ctx context.Context, label string, filters map[string]any, limit int) ([]*Node, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	nodes := []*Node{}
	err = db.View(func(txn *badger.Txn) error {
		for _, nodeID := range scanIndex(txn, labelIndexPrefix(label)) {
			node, err := getNodeTxn(txn, nodeID)
			if err != nil {
				return err
			}
			if node == nil || !matchesFilters(node, filters) {
				continue
			}
			nodes = append(nodes, node)
			if limit > 0 && len(nodes) == limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, badgerError("querying label", err)
	}
	return nodes, nil
}

// CreateRelationship stores the relationship document plus incident index
// entries for both endpoints in one transaction.
func (s *BadgerStore) CreateRelationship(ctx context.Context, startID, endID, relType string, properties map[string]any) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	if err := ValidateRelationshipType(relType); err != nil {
		return "", err
	}
	if err := ValidateRelationshipProperties(properties); err != nil {
		return "", err
	}

	relID := NewID()
	rel := &Relationship{
		ID:         relID,
		StartNode:  startID,
		EndNode:    endID,
		Type:       relType,
		Properties: cloneProperties(properties),
	}
	data, err := json.Marshal(rel)
	if err != nil {
		return "", fmt.Errorf("%w: encoding relationship: %v", ErrPersistence, err)
	}

	err = db.Update(func(txn *badger.Txn) error {
		for _, nodeID := range []string{startID, endID} {
			if _, err := txn.Get(nodeKey(nodeID)); errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: node %q", ErrNodeNotFound, nodeID)
			} else if err != nil {
				return err
			}
		}
		if err := txn.Set(relKey(relID), data); err != nil {
			return err
		}
		if err := txn.Set(incidentIndexKey(startID, relID), nil); err != nil {
			return err
		}
		return txn.Set(incidentIndexKey(endID, relID), nil)
	})
	if err != nil {
		return "", badgerError("creating relationship", err)
	}
	return relID, nil
}

// GetRelationships scans the node's incident index and filters by type and
// direction, sorted by relationship ID.
func (s *BadgerStore) GetRelationships(ctx context.Context, nodeID, relType string, direction Direction) ([]*Relationship, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	dir, err := ParseDirection(string(direction))
	if err != nil {
		return nil, err
	}

	rels := []*Relationship{}
	err = db.View(func(txn *badger.Txn) error {
		for _, relID := range scanIndex(txn, incidentIndexPrefix(nodeID)) {
			rel, err := getRelationshipTxn(txn, relID)
			if err != nil || rel == nil {
				if err != nil {
					return err
				}
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
			rels = append(rels, rel)
		}
		return nil
	})
	if err != nil {
		return nil, badgerError("querying relationships", err)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	return rels, nil
}

// DeleteRelationship removes the relationship and both incident index
// entries. Returns (false, nil) when absent.
func (s *BadgerStore) DeleteRelationship(ctx context.Context, relID string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	deleted := false
	err = db.Update(func(txn *badger.Txn) error {
		rel, err := getRelationshipTxn(txn, relID)
		if err != nil || rel == nil {
			return err
		}
		if err := deleteRelationshipTxn(txn, relID); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, badgerError("deleting relationship", err)
	}
	return deleted, nil
}

// ExecuteQuery supports the same fixed vocabulary as the embedded backend:
// "count nodes", "count edges", "list nodes", "list edges".
func (s *BadgerStore) ExecuteQuery(ctx context.Context, query string, params map[string]any) (any, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(q, "count nodes"):
		return s.countPrefix(db, prefixNode)
	case strings.HasPrefix(q, "count edges"):
		return s.countPrefix(db, prefixRel)
	case strings.HasPrefix(q, "list nodes"):
		nodes := []*Node{}
		err := db.View(func(txn *badger.Txn) error {
			return scanDocuments(txn, prefixNode, func(data []byte) error {
				var node Node
				if err := json.Unmarshal(data, &node); err != nil {
					return err
				}
				nodes = append(nodes, &node)
				return nil
			})
		})
		if err != nil {
			return nil, badgerError("listing nodes", err)
		}
		sortNodesByID(nodes)
		return nodes, nil
	case strings.HasPrefix(q, "list edges"):
		rels := []*Relationship{}
		err := db.View(func(txn *badger.Txn) error {
			return scanDocuments(txn, prefixRel, func(data []byte) error {
				var rel Relationship
				if err := json.Unmarshal(data, &rel); err != nil {
					return err
				}
				rels = append(rels, &rel)
				return nil
			})
		})
		if err != nil {
			return nil, badgerError("listing edges", err)
		}
		sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
		return rels, nil
	default:
		return nil, fmt.Errorf("%w: unsupported query %q (supported: count nodes, count edges, list nodes, list edges)", ErrValidation, query)
	}
}

// ClearAll drops every key in the database.
func (s *BadgerStore) ClearAll(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.DropAll(); err != nil {
		return badgerError("clearing database", err)
	}
	log.Printf("WARN: cleared all data from badger store (%s)", s.opts.DataDir)
	return nil
}

func (s *BadgerStore) countPrefix(db *badger.DB, prefix byte) (int, error) {
	count := 0
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, badgerError("counting", err)
	}
	return count, nil
}

// Key encoding helpers. Index keys use a 0x00 separator, which cannot occur
// in UUID identifiers.

func nodeKey(nodeID string) []byte {
	return append([]byte{prefixNode}, nodeID...)
}

func relKey(relID string) []byte {
	return append([]byte{prefixRel}, relID...)
}

func labelIndexKey(label, nodeID string) []byte {
	key := make([]byte, 0, 2+len(label)+len(nodeID))
	key = append(key, prefixLabel)
	key = append(key, label...)
	key = append(key, 0x00)
	return append(key, nodeID...)
}

func labelIndexPrefix(label string) []byte {
	key := make([]byte, 0, 2+len(label))
	key = append(key, prefixLabel)
	key = append(key, label...)
	return append(key, 0x00)
}

func incidentIndexKey(nodeID, relID string) []byte {
	key := make([]byte, 0, 2+len(nodeID)+len(relID))
	key = append(key, prefixIncident)
	key = append(key, nodeID...)
	key = append(key, 0x00)
	return append(key, relID...)
}

func incidentIndexPrefix(nodeID string) []byte {
	key := make([]byte, 0, 2+len(nodeID))
	key = append(key, prefixIncident)
	key = append(key, nodeID...)
	return append(key, 0x00)
}

// scanIndex collects the trailing ID segment of every index key under
// prefix. Badger iterates keys in order, so results come back sorted.
func scanIndex(txn *badger.Txn, prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		ids = append(ids, string(key[len(prefix):]))
	}
	return ids
}

// scanDocuments invokes fn with each value stored under a one-byte prefix.
func scanDocuments(txn *badger.Txn, prefix byte, fn func(data []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte{prefix}
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := it.Item().Value(func(val []byte) error { return fn(val) }); err != nil {
			return err
		}
	}
	return nil
}

func getNodeTxn(txn *badger.Txn, nodeID string) (*Node, error) {
	item, err := txn.Get(nodeKey(nodeID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var node Node
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &node) }); err != nil {
		return nil, err
	}
	return &node, nil
}

func getRelationshipTxn(txn *badger.Txn, relID string) (*Relationship, error) {
	item, err := txn.Get(relKey(relID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rel Relationship
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rel) }); err != nil {
		return nil, err
	}
	return &rel, nil
}

// deleteRelationshipTxn removes a relationship document and its incident
// index entries on both endpoints.
func deleteRelationshipTxn(txn *badger.Txn, relID string) error {
	rel, err := getRelationshipTxn(txn, relID)
	if err != nil || rel == nil {
		return err
	}
	if err := txn.Delete(incidentIndexKey(rel.StartNode, relID)); err != nil {
		return err
	}
	if err := txn.Delete(incidentIndexKey(rel.EndNode, relID)); err != nil {
		return err
	}
	return txn.Delete(relKey(relID))
}

// badgerError wraps backend failures with ErrPersistence unless the inner
// error already carries a contract error kind.
func badgerError(op string, err error) error {
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrRelationshipNotFound) || errors.Is(err, ErrConnection) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
