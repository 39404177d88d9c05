package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	snap := &graphSnapshot{
		Nodes: map[string]*Node{
			"n1": {ID: "n1", Label: "Rule", Properties: map[string]any{"name": "x"}},
			"n2": {ID: "n2", Label: "Learnt", Properties: map[string]any{"count": 2.0}},
		},
		Rels: map[string]*Relationship{
			"r1": {ID: "r1", StartNode: "n1", EndNode: "n2", Type: "LINK",
				Properties: map[string]any{"weight": 0.5}},
		},
		LabelIndex:          map[string][]string{"Rule": {"n1"}, "Learnt": {"n2"}},
		RelationshipCounter: 7,
	}

	data, err := encodeGraph(snap)
	require.NoError(t, err)

	decoded, err := decodeGraph(data)
	require.NoError(t, err)

	require.Len(t, decoded.Nodes, 2)
	assert.Equal(t, "Rule", decoded.Nodes["n1"].Label)
	assert.Equal(t, "x", decoded.Nodes["n1"].Properties["name"])
	assert.Equal(t, 2.0, decoded.Nodes["n2"].Properties["count"])

	require.Len(t, decoded.Rels, 1)
	rel := decoded.Rels["r1"]
	assert.Equal(t, "n1", rel.StartNode)
	assert.Equal(t, "n2", rel.EndNode)
	assert.Equal(t, "LINK", rel.Type)
	assert.Equal(t, 0.5, rel.Properties["weight"])

	assert.Equal(t, int64(7), decoded.RelationshipCounter)
	assert.Equal(t, []string{"n1"}, decoded.LabelIndex["Rule"])
}

func TestCodecDeterministicOutput(t *testing.T) {
	snap := &graphSnapshot{
		Nodes: map[string]*Node{
			"b": {ID: "b", Label: "Rule", Properties: map[string]any{}},
			"a": {ID: "a", Label: "Rule", Properties: map[string]any{}},
			"c": {ID: "c", Label: "Rule", Properties: map[string]any{}},
		},
		Rels:       map[string]*Relationship{},
		LabelIndex: map[string][]string{"Rule": {"a", "b", "c"}},
	}

	first, err := encodeGraph(snap)
	require.NoError(t, err)
	second, err := encodeGraph(snap)
	require.NoError(t, err)

	assert.Equal(t, first, second, "successive encodings of the same graph must be byte-identical")
}

func TestCodecDecodeRejectsStructuralCorruption(t *testing.T) {
	cases := map[string]string{
		"garbage_bytes":      `{{{not json`,
		"missing_graph":      `{"metadata": {}}`,
		"null_graph":         `{"graph": null}`,
		"graph_not_object":   `{"graph": [1, 2]}`,
		"missing_nodes_list": `{"graph": {"links": []}}`,
		"nodes_not_list":     `{"graph": {"nodes": {"a": 1}}}`,
		"links_not_list":     `{"graph": {"nodes": [], "links": {"a": 1}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeGraph([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestCodecDecodeToleratesMissingMetadata(t *testing.T) {
	for _, body := range []string{
		`{"graph": {"nodes": [], "links": []}}`,
		`{"graph": {"nodes": [], "links": []}, "metadata": null}`,
		`{"graph": {"nodes": []}}`,
	} {
		snap, err := decodeGraph([]byte(body))
		require.NoError(t, err, "body: %s", body)
		assert.Empty(t, snap.Nodes)
		assert.Empty(t, snap.Rels)
		assert.Equal(t, int64(0), snap.RelationshipCounter)
	}
}

func TestConnectSurvivesCorruptFile(t *testing.T) {
	ctx := context.Background()

	cases := map[string]string{
		"invalid_json":      `not json at all`,
		"missing_nodes":     `{"graph": {"links": []}}`,
		"nodes_not_a_list":  `{"graph": {"nodes": 42}}`,
		"top_level_garbage": `"just a string"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dataFile := filepath.Join(t.TempDir(), "graph_data.json")
			require.NoError(t, os.WriteFile(dataFile, []byte(body), 0o644))

			s := NewEmbeddedStore(EmbeddedOptions{DataFile: dataFile, AutoSave: true})
			require.NoError(t, s.Connect(ctx), "corruption must never prevent startup")
			defer s.Disconnect(ctx)

			count, err := s.ExecuteQuery(ctx, "count nodes", nil)
			require.NoError(t, err)
			assert.Equal(t, 0, count)
		})
	}
}

func TestConnectBootstrapsEmptyGraph(t *testing.T) {
	ctx := context.Background()

	t.Run("missing_file", func(t *testing.T) {
		s := NewEmbeddedStore(EmbeddedOptions{
			DataFile: filepath.Join(t.TempDir(), "does-not-exist.json"),
		})
		require.NoError(t, s.Connect(ctx))
		defer s.Disconnect(ctx)

		count, err := s.ExecuteQuery(ctx, "count nodes", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("empty_file", func(t *testing.T) {
		dataFile := filepath.Join(t.TempDir(), "graph_data.json")
		require.NoError(t, os.WriteFile(dataFile, nil, 0o644))

		s := NewEmbeddedStore(EmbeddedOptions{DataFile: dataFile})
		require.NoError(t, s.Connect(ctx))
		defer s.Disconnect(ctx)

		count, err := s.ExecuteQuery(ctx, "count nodes", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestWriteFileAtomic(t *testing.T) {
	t.Run("writes_through_temp_sibling", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "graph_data.json")
		require.NoError(t, writeFileAtomic(path, []byte(`{"v":1}`), 0))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, `{"v":1}`, string(data))

		_, err = os.Stat(path + ".tmp")
		assert.True(t, os.IsNotExist(err), "no temp file may remain")
	})

	t.Run("failure_leaves_original_untouched", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "graph_data.json")
		require.NoError(t, os.WriteFile(path, []byte(`original`), 0o644))

		// Occupy the temp sibling path with a directory so the write
		// cannot proceed.
		require.NoError(t, os.Mkdir(path+".tmp", 0o755))
		t.Cleanup(func() { os.RemoveAll(path + ".tmp") })

		err := writeFileAtomic(path, []byte(`replacement`), 0)
		require.ErrorIs(t, err, ErrPersistence)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, `original`, string(data))

		_, err = os.Stat(path + ".tmp")
		assert.True(t, os.IsNotExist(err), "no temp file may remain after a failed write")
	})
}
