package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/orneryd/muninn/pkg/config"
)

// Store is the operation contract shared by every backend.
//
// All implementations MUST provide identical semantics:
//   - Absent nodes/relationships on reads and deletes are not errors:
//     GetNode returns (nil, nil), UpdateNode/DeleteNode/DeleteRelationship
//     return (false, nil).
//   - All data operations except Connect/Disconnect fail with
//     ErrNotConnected while the handle is disconnected.
//   - Label queries return results sorted by node ID.
//
// The embedded backend assumes a single logical caller per handle; see the
// EmbeddedStore documentation for the concurrency contract.
type Store interface {
	// Connect establishes the handle. Fails with ErrConnection when the
	// backing resource cannot be reached or opened.
	Connect(ctx context.Context) error

	// Disconnect flushes pending durable state and releases resources.
	Disconnect(ctx context.Context) error

	// HealthCheck is a lightweight liveness probe. It never returns an error
	// for expected failure modes; it reports false instead.
	HealthCheck(ctx context.Context) bool

	// CreateNode creates a node. An empty nodeID generates a fresh UUID.
	// Fails with ErrValidation on reserved keys, values outside the closed
	// variant set, or an already-existing ID.
	CreateNode(ctx context.Context, label string, properties map[string]any, nodeID string) (string, error)

	// GetNode returns the node or (nil, nil) when absent.
	GetNode(ctx context.Context, nodeID string) (*Node, error)

	// UpdateNode merges properties onto the existing bag. Returns
	// (false, nil) when the node is absent.
	UpdateNode(ctx context.Context, nodeID string, properties map[string]any) (bool, error)

	// DeleteNode removes a node and every incident relationship. Returns
	// (false, nil) when the node is absent.
	DeleteNode(ctx context.Context, nodeID string) (bool, error)

	// GetNodesByLabel returns nodes bearing the label, filtered by
	// exact-match property equality, sorted by ID. A limit <= 0 means no
	// limit; a positive limit truncates post-filter.
	GetNodesByLabel(ctx context.Context, label string, filters map[string]any, limit int) ([]*Node, error)

	// CreateRelationship links two existing nodes. Fails with
	// ErrNodeNotFound when either endpoint is missing and ErrValidation on
	// an empty/whitespace type.
	CreateRelationship(ctx context.Context, startID, endID, relType string, properties map[string]any) (string, error)

	// GetRelationships returns the relationships incident to a node,
	// optionally filtered by type and direction. An unknown node yields an
	// empty slice, not an error.
	GetRelationships(ctx context.Context, nodeID, relType string, direction Direction) ([]*Relationship, error)

	// DeleteRelationship removes a relationship. Returns (false, nil) when
	// absent.
	DeleteRelationship(ctx context.Context, relID string) (bool, error)

	// ExecuteQuery is the backend-specific escape hatch. The embedded and
	// badger backends support only a tiny fixed vocabulary: "count nodes",
	// "count edges", "list nodes", "list edges". Remote backends pass the
	// query through verbatim.
	ExecuteQuery(ctx context.Context, query string, params map[string]any) (any, error)

	// ClearAll irreversibly wipes all nodes and relationships.
	ClearAll(ctx context.Context) error
}

// New is the backend factory. It selects a concrete Store by identifier and
// validates required configuration before any connection is attempted.
//
// Supported backends: "embedded" (JSON-file engine), "badger" (local
// BadgerDB engine), "neo4j" (remote server pass-through).
func New(backend string, cfg *config.Config) (Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "embedded":
		return NewEmbeddedStore(EmbeddedOptions{
			DataFile:    cfg.Embedded.DataFile,
			AutoSave:    cfg.Embedded.AutoSave,
			BackupCount: cfg.Embedded.BackupCount,
		}), nil
	case "badger":
		return NewBadgerStore(BadgerOptions{
			DataDir:    cfg.Badger.DataDir,
			InMemory:   cfg.Badger.InMemory,
			SyncWrites: cfg.Badger.SyncWrites,
		}), nil
	case "neo4j":
		return NewNeo4jStore(Neo4jOptions{
			URI:               cfg.Neo4j.URI,
			Username:          cfg.Neo4j.Username,
			Password:          cfg.Neo4j.Password,
			Database:          cfg.Neo4j.Database,
			MaxPoolSize:       cfg.Neo4j.MaxPoolSize,
			ConnectionTimeout: cfg.Neo4j.ConnectionTimeout,
		})
	default:
		return nil, fmt.Errorf("%w: %q (supported: embedded, badger, neo4j)", ErrUnknownBackend, backend)
	}
}
