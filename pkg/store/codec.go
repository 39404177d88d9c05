package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// On-disk layout of the embedded backend's data file:
//
//	{
//	  "graph": {
//	    "nodes": [ {"id": "...", "label": "...", <flattened properties>} ],
//	    "links": [ {"source": "...", "target": "...", "rel_id": "...",
//	                "type": "...", <flattened properties>} ]
//	  },
//	  "metadata": {
//	    "nodes_by_label": {"Label": ["id", ...]},
//	    "relationship_counter": 0,
//	    "node_count": 0,
//	    "edge_count": 0
//	  }
//	}
//
// Node and link properties are flattened into the entry object alongside the
// structural keys, which is why those keys are reserved at the contract
// boundary.
type graphDocument struct {
	Graph    graphSection   `json:"graph"`
	Metadata *graphMetadata `json:"metadata"`
}

type graphSection struct {
	Nodes []map[string]any `json:"nodes"`
	Links []map[string]any `json:"links"`
}

type graphMetadata struct {
	NodesByLabel        map[string][]string `json:"nodes_by_label"`
	RelationshipCounter int64               `json:"relationship_counter"`
	NodeCount           int                 `json:"node_count"`
	EdgeCount           int                 `json:"edge_count"`
}

// graphSnapshot is the decoded in-memory form exchanged between the codec
// and the embedded engine.
type graphSnapshot struct {
	Nodes map[string]*Node
	Rels  map[string]*Relationship
	// LabelIndex is the persisted nodes_by_label cache. It is advisory: the
	// engine rebuilds the index from the node set and only uses this copy to
	// detect divergence.
	LabelIndex          map[string][]string
	RelationshipCounter int64
}

// Structural keys that carry node/link identity in the flattened entries.
const (
	keyNodeID    = "id"
	keyNodeLabel = "label"
	keyLinkSrc   = "source"
	keyLinkDst   = "target"
	keyLinkID    = "rel_id"
	keyLinkType  = "type"
)

// encodeGraph serializes a snapshot to the on-disk document. Entries are
// sorted by identifier so successive saves of the same graph are
// byte-identical.
func encodeGraph(snap *graphSnapshot) ([]byte, error) {
	doc := graphDocument{
		Graph: graphSection{
			Nodes: make([]map[string]any, 0, len(snap.Nodes)),
			Links: make([]map[string]any, 0, len(snap.Rels)),
		},
		Metadata: &graphMetadata{
			NodesByLabel:        snap.LabelIndex,
			RelationshipCounter: snap.RelationshipCounter,
			NodeCount:           len(snap.Nodes),
			EdgeCount:           len(snap.Rels),
		},
	}

	for _, node := range snap.Nodes {
		entry := make(map[string]any, len(node.Properties)+2)
		for k, v := range node.Properties {
			entry[k] = v
		}
		entry[keyNodeID] = node.ID
		entry[keyNodeLabel] = node.Label
		doc.Graph.Nodes = append(doc.Graph.Nodes, entry)
	}
	sort.Slice(doc.Graph.Nodes, func(i, j int) bool {
		return doc.Graph.Nodes[i][keyNodeID].(string) < doc.Graph.Nodes[j][keyNodeID].(string)
	})

	for _, rel := range snap.Rels {
		entry := make(map[string]any, len(rel.Properties)+4)
		for k, v := range rel.Properties {
			entry[k] = v
		}
		entry[keyLinkSrc] = rel.StartNode
		entry[keyLinkDst] = rel.EndNode
		entry[keyLinkID] = rel.ID
		entry[keyLinkType] = rel.Type
		doc.Graph.Links = append(doc.Graph.Links, entry)
	}
	sort.Slice(doc.Graph.Links, func(i, j int) bool {
		return doc.Graph.Links[i][keyLinkID].(string) < doc.Graph.Links[j][keyLinkID].(string)
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encoding graph document: %v", ErrPersistence, err)
	}
	return data, nil
}

// decodeGraph parses an on-disk document back into a snapshot. A structural
// problem (not JSON, graph section missing, nodes/links not lists) is
// reported as an error; the caller decides whether to fall back to an empty
// graph. Null or missing metadata is tolerated.
func decodeGraph(data []byte) (*graphSnapshot, error) {
	var raw struct {
		Graph    json.RawMessage `json:"graph"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(raw.Graph) == 0 || string(raw.Graph) == "null" {
		return nil, fmt.Errorf("missing graph section")
	}

	var section graphSection
	if err := json.Unmarshal(raw.Graph, &section); err != nil {
		return nil, fmt.Errorf("malformed graph section: %w", err)
	}
	if section.Nodes == nil {
		return nil, fmt.Errorf("graph section has no nodes list")
	}

	snap := &graphSnapshot{
		Nodes: make(map[string]*Node, len(section.Nodes)),
		Rels:  make(map[string]*Relationship, len(section.Links)),
	}

	for i, entry := range section.Nodes {
		id, ok := entry[keyNodeID].(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("node entry %d has no string id", i)
		}
		label, _ := entry[keyNodeLabel].(string)
		props := make(map[string]any, len(entry))
		for k, v := range entry {
			if k == keyNodeID || k == keyNodeLabel {
				continue
			}
			props[k] = v
		}
		snap.Nodes[id] = &Node{ID: id, Label: label, Properties: props}
	}

	for i, entry := range section.Links {
		id, ok := entry[keyLinkID].(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("link entry %d has no string rel_id", i)
		}
		src, _ := entry[keyLinkSrc].(string)
		dst, _ := entry[keyLinkDst].(string)
		relType, _ := entry[keyLinkType].(string)
		props := make(map[string]any, len(entry))
		for k, v := range entry {
			switch k {
			case keyLinkSrc, keyLinkDst, keyLinkID, keyLinkType:
				continue
			}
			props[k] = v
		}
		snap.Rels[id] = &Relationship{
			ID:         id,
			StartNode:  src,
			EndNode:    dst,
			Type:       relType,
			Properties: props,
		}
	}

	if len(raw.Metadata) > 0 && string(raw.Metadata) != "null" {
		var meta graphMetadata
		if err := json.Unmarshal(raw.Metadata, &meta); err == nil {
			snap.LabelIndex = meta.NodesByLabel
			snap.RelationshipCounter = meta.RelationshipCounter
		}
	}

	return snap, nil
}

// writeFileAtomic writes data to path through a temporary sibling plus
// rename. On any failure the original file is untouched, the temporary file
// is removed, and the error wraps ErrPersistence.
//
// When the destination already exists and backupCount > 0, the current
// content is preserved as path.bak1 (older backups shifting up to
// path.bak<backupCount>) before the rename. Backup rotation is best-effort;
// rotation failures are logged but never fail the write.
func writeFileAtomic(path string, data []byte, backupCount int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrPersistence, dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: writing %s: %v", ErrPersistence, tmp, err)
	}

	rotateBackups(path, backupCount)

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: replacing %s: %v", ErrPersistence, path, err)
	}
	return nil
}
