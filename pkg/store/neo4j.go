package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jcfg "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
)

// Neo4jOptions configures a Neo4jStore.
type Neo4jOptions struct {
	URI               string
	Username          string
	Password          string
	Database          string
	MaxPoolSize       int
	ConnectionTimeout time.Duration
}

// Neo4jStore is the remote backend: a thin pass-through over an external
// Neo4j server. The server owns durability and indexing; this adapter only
// translates the store contract into Cypher.
//
// Node and relationship identifiers live in the node_id / rel_id properties,
// never in Neo4j's internal element IDs, so data survives dump/restore
// cycles and stays portable across backends.
//
// The driver is safe for concurrent queries, but connected and driver are
// plain fields: Connect and Disconnect must not race with data operations.
// Callers are expected to connect once before serving and disconnect after
// draining, as the embedded and badger handles also require for their
// lifecycle transitions.
type Neo4jStore struct {
	opts      Neo4jOptions
	driver    neo4j.DriverWithContext
	connected bool
}

// NewNeo4jStore validates the required connection fields and returns a
// disconnected store. Fails with ErrValidation when URI, username, or
// password is missing; no connection is attempted here.
func NewNeo4jStore(opts Neo4jOptions) (*Neo4jStore, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("%w: missing required configuration field: uri", ErrValidation)
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("%w: missing required configuration field: username", ErrValidation)
	}
	if opts.Password == "" {
		return nil, fmt.Errorf("%w: missing required configuration field: password", ErrValidation)
	}
	if opts.Database == "" {
		opts.Database = "neo4j"
	}
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = 10
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = 30 * time.Second
	}
	return &Neo4jStore{opts: opts}, nil
}

// Connect opens the driver and verifies connectivity.
func (s *Neo4jStore) Connect(ctx context.Context) error {
	driver, err := neo4j.NewDriverWithContext(
		s.opts.URI,
		neo4j.BasicAuth(s.opts.Username, s.opts.Password, ""),
		func(c *neo4jcfg.Config) {
			c.MaxConnectionPoolSize = s.opts.MaxPoolSize
			c.ConnectionAcquisitionTimeout = s.opts.ConnectionTimeout
		},
	)
	if err != nil {
		return fmt.Errorf("%w: creating neo4j driver: %v", ErrConnection, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return fmt.Errorf("%w: verifying neo4j connectivity: %v", ErrConnection, err)
	}

	s.driver = driver
	s.connected = true
	log.Printf("connected to neo4j at %s (database %s)", s.opts.URI, s.opts.Database)
	return nil
}

// Disconnect closes the driver. Safe on an already-disconnected handle.
func (s *Neo4jStore) Disconnect(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	err := s.driver.Close(ctx)
	s.driver = nil
	s.connected = false
	if err != nil {
		return fmt.Errorf("%w: closing neo4j driver: %v", ErrConnection, err)
	}
	return nil
}

// HealthCheck runs a trivial round-trip query, reporting false on any
// failure.
func (s *Neo4jStore) HealthCheck(ctx context.Context) bool {
	if !s.connected {
		return false
	}
	_, err := s.run(ctx, "RETURN 1 AS health_check", nil)
	if err != nil {
		log.Printf("WARN: neo4j health check failed: %v", err)
		return false
	}
	return true
}

// CreateNode creates a node carrying the label and a node_id property.
func (s *Neo4jStore) CreateNode(ctx context.Context, label string, properties map[string]any, nodeID string) (string, error) {
	if !s.connected {
		return "", ErrNotConnected
	}
	if err := validateIdentifier("label", label); err != nil {
		return "", err
	}
	if err := ValidateNodeProperties(properties); err != nil {
		return "", err
	}
	if nodeID == "" {
		nodeID = NewID()
	}

	props := cloneProperties(properties)
	props["node_id"] = nodeID

	query := fmt.Sprintf("CREATE (n:%s $properties) RETURN n.node_id AS node_id", label)
	result, err := s.run(ctx, query, map[string]any{"properties": props})
	if err != nil {
		return "", fmt.Errorf("%w: creating node: %v", ErrConnection, err)
	}
	if len(result.Records) == 0 {
		return "", fmt.Errorf("%w: node creation returned no record", ErrConnection)
	}
	return nodeID, nil
}

// GetNode looks a node up by node_id, returning (nil, nil) when absent.
func (s *Neo4jStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}

	result, err := s.run(ctx,
		"MATCH (n {node_id: $node_id}) RETURN n, labels(n) AS labels",
		map[string]any{"node_id": nodeID})
	if err != nil {
		return nil, fmt.Errorf("%w: getting node %s: %v", ErrConnection, nodeID, err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}
	return recordToNode(result.Records[0])
}

// UpdateNode merges properties via SET, returning (false, nil) when the
// node does not exist.
func (s *Neo4jStore) UpdateNode(ctx context.Context, nodeID string, properties map[string]any) (bool, error) {
	if !s.connected {
		return false, ErrNotConnected
	}
	if err := ValidateNodeProperties(properties); err != nil {
		return false, err
	}
	if len(properties) == 0 {
		// Nothing to set; report existence only.
		node, err := s.GetNode(ctx, nodeID)
		return node != nil, err
	}

	setClauses := make([]string, 0, len(properties))
	params := map[string]any{"node_id": nodeID}
	i := 0
	for key, value := range properties {
		param := fmt.Sprintf("prop_%d", i)
		setClauses = append(setClauses, fmt.Sprintf("n.`%s` = $%s", escapeBackticks(key), param))
		params[param] = value
		i++
	}

	query := fmt.Sprintf(
		"MATCH (n {node_id: $node_id}) SET %s RETURN n.node_id AS updated_id",
		strings.Join(setClauses, ", "))
	result, err := s.run(ctx, query, params)
	if err != nil {
		return false, fmt.Errorf("%w: updating node %s: %v", ErrConnection, nodeID, err)
	}
	return len(result.Records) > 0, nil
}

// DeleteNode detaches and deletes a node, returning (false, nil) when
// absent. DETACH DELETE gives the same cascade semantics as the embedded
// engine.
func (s *Neo4jStore) DeleteNode(ctx context.Context, nodeID string) (bool, error) {
	if !s.connected {
		return false, ErrNotConnected
	}

	result, err := s.run(ctx,
		"MATCH (n {node_id: $node_id}) DETACH DELETE n RETURN count(n) AS deleted_count",
		map[string]any{"node_id": nodeID})
	if err != nil {
		return false, fmt.Errorf("%w: deleting node %s: %v", ErrConnection, nodeID, err)
	}
	return recordCount(result, "deleted_count") > 0, nil
}

// GetNodesByLabel queries nodes by label with exact-match filters, ordered
// by node_id. A limit <= 0 returns all matches.
func (s *Neo4jStore) GetNodesByLabel(ctx context.Context, label string, filters map[string]any, limit int) ([]*Node, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	if err := validateIdentifier("label", label); err != nil {
		return nil, err
	}

	params := map[string]any{}
	whereClauses := make([]string, 0, len(filters))
	i := 0
	for key, value := range filters {
		param := fmt.Sprintf("filter_%d", i)
		whereClauses = append(whereClauses, fmt.Sprintf("n.`%s` = $%s", escapeBackticks(key), param))
		params[param] = value
		i++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MATCH (n:%s)", label)
	if len(whereClauses) > 0 {
		sb.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}
	sb.WriteString(" RETURN n, labels(n) AS labels ORDER BY n.node_id")
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}

	result, err := s.run(ctx, sb.String(), params)
	if err != nil {
		return nil, fmt.Errorf("%w: querying label %s: %v", ErrConnection, label, err)
	}

	nodes := make([]*Node, 0, len(result.Records))
	for _, record := range result.Records {
		node, err := recordToNode(record)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// CreateRelationship creates a typed edge between two existing nodes,
// carrying a rel_id property.
func (s *Neo4jStore) CreateRelationship(ctx context.Context, startID, endID, relType string, properties map[string]any) (string, error) {
	if !s.connected {
		return "", ErrNotConnected
	}
	if err := ValidateRelationshipType(relType); err != nil {
		return "", err
	}
	if err := validateIdentifier("relationship type", relType); err != nil {
		return "", err
	}
	if err := ValidateRelationshipProperties(properties); err != nil {
		return "", err
	}

	relID := NewID()
	props := cloneProperties(properties)
	props["rel_id"] = relID

	query := fmt.Sprintf(
		"MATCH (start {node_id: $start_node_id}), (end {node_id: $end_node_id}) "+
			"CREATE (start)-[r:%s $properties]->(end) RETURN r.rel_id AS rel_id",
		relType)
	result, err := s.run(ctx, query, map[string]any{
		"start_node_id": startID,
		"end_node_id":   endID,
		"properties":    props,
	})
	if err != nil {
		return "", fmt.Errorf("%w: creating relationship: %v", ErrConnection, err)
	}
	if len(result.Records) == 0 {
		// The MATCH found no endpoint pair; nothing was created.
		return "", fmt.Errorf("%w: one or both nodes not found: %s, %s", ErrNodeNotFound, startID, endID)
	}
	return relID, nil
}

// GetRelationships returns the relationships incident to a node, filtered
// by optional type and direction and sorted by rel_id.
func (s *Neo4jStore) GetRelationships(ctx context.Context, nodeID, relType string, direction Direction) ([]*Relationship, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	dir, err := ParseDirection(string(direction))
	if err != nil {
		return nil, err
	}

	typePart := ""
	if relType != "" {
		if err := validateIdentifier("relationship type", relType); err != nil {
			return nil, err
		}
		typePart = ":" + relType
	}

	var pattern string
	switch dir {
	case DirectionIncoming:
		pattern = fmt.Sprintf("(other)-[r%s]->(n)", typePart)
	case DirectionOutgoing:
		pattern = fmt.Sprintf("(n)-[r%s]->(other)", typePart)
	default:
		pattern = fmt.Sprintf("(n)-[r%s]-(other)", typePart)
	}

	query := fmt.Sprintf(
		"MATCH %s WHERE n.node_id = $node_id "+
			"RETURN r, type(r) AS rel_type, "+
			"startNode(r).node_id AS start_node_id, endNode(r).node_id AS end_node_id",
		pattern)
	result, err := s.run(ctx, query, map[string]any{"node_id": nodeID})
	if err != nil {
		return nil, fmt.Errorf("%w: querying relationships for %s: %v", ErrConnection, nodeID, err)
	}

	rels := make([]*Relationship, 0, len(result.Records))
	for _, record := range result.Records {
		rel, err := recordToRelationship(record)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	return rels, nil
}

// DeleteRelationship removes a relationship by rel_id, returning
// (false, nil) when absent.
func (s *Neo4jStore) DeleteRelationship(ctx context.Context, relID string) (bool, error) {
	if !s.connected {
		return false, ErrNotConnected
	}

	result, err := s.run(ctx,
		"MATCH ()-[r {rel_id: $rel_id}]-() DELETE r RETURN count(r) AS deleted_count",
		map[string]any{"rel_id": relID})
	if err != nil {
		return false, fmt.Errorf("%w: deleting relationship %s: %v", ErrConnection, relID, err)
	}
	return recordCount(result, "deleted_count") > 0, nil
}

// ExecuteQuery passes a raw Cypher query through to the server. Unlike the
// embedded backend, the full query language is available.
func (s *Neo4jStore) ExecuteQuery(ctx context.Context, query string, params map[string]any) (any, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}

	result, err := s.run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("%w: executing query: %v", ErrConnection, err)
	}

	records := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		records = append(records, record.AsMap())
	}
	return map[string]any{
		"records": records,
		"keys":    result.Keys,
	}, nil
}

// ClearAll wipes the remote database.
func (s *Neo4jStore) ClearAll(ctx context.Context) error {
	if !s.connected {
		return ErrNotConnected
	}
	if _, err := s.run(ctx, "MATCH (n) DETACH DELETE n", nil); err != nil {
		return fmt.Errorf("%w: clearing database: %v", ErrConnection, err)
	}
	log.Printf("WARN: cleared all data from neo4j database %s", s.opts.Database)
	return nil
}

// run executes a Cypher query against the configured database and returns
// the eagerly collected result.
func (s *Neo4jStore) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, s.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.opts.Database))
}

// recordToNode converts a record carrying `n` and `labels` columns.
func recordToNode(record *neo4j.Record) (*Node, error) {
	raw, ok := record.Get("n")
	if !ok {
		return nil, fmt.Errorf("%w: record missing node column", ErrConnection)
	}
	dbNode, ok := raw.(neo4j.Node)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected node column type %T", ErrConnection, raw)
	}

	id, _ := dbNode.Props["node_id"].(string)
	label := ""
	if len(dbNode.Labels) > 0 {
		label = dbNode.Labels[0]
	}
	props := make(map[string]any, len(dbNode.Props))
	for k, v := range dbNode.Props {
		if k == "node_id" {
			continue
		}
		props[k] = v
	}
	return &Node{ID: id, Label: label, Properties: props}, nil
}

// recordToRelationship converts a record carrying `r`, `rel_type`,
// `start_node_id`, and `end_node_id` columns.
func recordToRelationship(record *neo4j.Record) (*Relationship, error) {
	raw, ok := record.Get("r")
	if !ok {
		return nil, fmt.Errorf("%w: record missing relationship column", ErrConnection)
	}
	dbRel, ok := raw.(neo4j.Relationship)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected relationship column type %T", ErrConnection, raw)
	}

	id, _ := dbRel.Props["rel_id"].(string)
	relType, _ := recordString(record, "rel_type")
	start, _ := recordString(record, "start_node_id")
	end, _ := recordString(record, "end_node_id")

	props := make(map[string]any, len(dbRel.Props))
	for k, v := range dbRel.Props {
		if k == "rel_id" {
			continue
		}
		props[k] = v
	}
	return &Relationship{
		ID:         id,
		StartNode:  start,
		EndNode:    end,
		Type:       relType,
		Properties: props,
	}, nil
}

func recordString(record *neo4j.Record, key string) (string, bool) {
	raw, ok := record.Get(key)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func recordCount(result *neo4j.EagerResult, key string) int64 {
	if len(result.Records) == 0 {
		return 0
	}
	raw, ok := result.Records[0].Get(key)
	if !ok {
		return 0
	}
	n, _ := raw.(int64)
	return n
}

// validateIdentifier guards values interpolated into Cypher text (labels and
// relationship types cannot be parameterized). Only word characters are
// allowed.
func validateIdentifier(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s must be a non-empty string", ErrValidation, kind)
	}
	for _, r := range value {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return fmt.Errorf("%w: %s %q contains invalid character %q", ErrValidation, kind, value, r)
	}
	return nil
}

func escapeBackticks(s string) string {
	return strings.ReplaceAll(s, "`", "``")
}
