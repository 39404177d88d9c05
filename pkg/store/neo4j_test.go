package store

import (
	"context"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNeo4jStore(t *testing.T) {
	t.Run("requires_uri_username_password", func(t *testing.T) {
		_, err := NewNeo4jStore(Neo4jOptions{Username: "u", Password: "p"})
		assert.ErrorIs(t, err, ErrValidation)

		_, err = NewNeo4jStore(Neo4jOptions{URI: "neo4j://host:7687", Password: "p"})
		assert.ErrorIs(t, err, ErrValidation)

		_, err = NewNeo4jStore(Neo4jOptions{URI: "neo4j://host:7687", Username: "u"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("defaults_applied", func(t *testing.T) {
		s, err := NewNeo4jStore(Neo4jOptions{
			URI:      "neo4j://host:7687",
			Username: "u",
			Password: "p",
		})
		require.NoError(t, err)
		assert.Equal(t, "neo4j", s.opts.Database)
		assert.Equal(t, 10, s.opts.MaxPoolSize)
		assert.Equal(t, 30*time.Second, s.opts.ConnectionTimeout)
	})

	t.Run("disconnected_until_connect", func(t *testing.T) {
		s, err := NewNeo4jStore(Neo4jOptions{
			URI:      "neo4j://host:7687",
			Username: "u",
			Password: "p",
		})
		require.NoError(t, err)

		ctx := context.Background()
		assert.False(t, s.HealthCheck(ctx))

		_, err = s.GetNode(ctx, "x")
		assert.ErrorIs(t, err, ErrNotConnected)

		assert.NoError(t, s.Disconnect(ctx))
	})
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"Rule", "CONTRIBUTES_TO", "Label1", "_private"} {
		assert.NoError(t, validateIdentifier("label", ok), "%q should be valid", ok)
	}
	for _, bad := range []string{"", "Bad Label", "a-b", "x;DROP", "n`ame"} {
		err := validateIdentifier("label", bad)
		assert.ErrorIs(t, err, ErrValidation, "%q should be rejected", bad)
	}
}

func TestRecordMapping(t *testing.T) {
	t.Run("node", func(t *testing.T) {
		record := &neo4j.Record{
			Keys: []string{"n", "labels"},
			Values: []any{
				neo4j.Node{
					Labels: []string{"Rule"},
					Props: map[string]any{
						"node_id": "r1",
						"name":    "x",
					},
				},
				[]any{"Rule"},
			},
		}

		node, err := recordToNode(record)
		require.NoError(t, err)
		assert.Equal(t, "r1", node.ID)
		assert.Equal(t, "Rule", node.Label)
		assert.Equal(t, "x", node.Properties["name"])
		assert.NotContains(t, node.Properties, "node_id")
	})

	t.Run("relationship", func(t *testing.T) {
		record := &neo4j.Record{
			Keys: []string{"r", "rel_type", "start_node_id", "end_node_id"},
			Values: []any{
				neo4j.Relationship{
					Type: "LINK",
					Props: map[string]any{
						"rel_id": "e1",
						"weight": 0.5,
					},
				},
				"LINK",
				"a",
				"b",
			},
		}

		rel, err := recordToRelationship(record)
		require.NoError(t, err)
		assert.Equal(t, "e1", rel.ID)
		assert.Equal(t, "LINK", rel.Type)
		assert.Equal(t, "a", rel.StartNode)
		assert.Equal(t, "b", rel.EndNode)
		assert.Equal(t, 0.5, rel.Properties["weight"])
		assert.NotContains(t, rel.Properties, "rel_id")
	})

	t.Run("missing_column", func(t *testing.T) {
		record := &neo4j.Record{Keys: []string{"other"}, Values: []any{1}}
		_, err := recordToNode(record)
		assert.Error(t, err)
	})
}
