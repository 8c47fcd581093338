package schema

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeType labels a mirrored entity class in the graph store.
type NodeType string

// RelationKind labels a tracked, directed relationship.
type RelationKind string

const (
	NodePolicy      NodeType = "Policy"
	NodeRisk        NodeType = "Risk"
	NodeControl     NodeType = "Control"
	NodeRequirement NodeType = "ComplianceRequirement"
	NodeObjective   NodeType = "Objective"

	RelCovers   RelationKind = "COVERS"
	RelMapsTo   RelationKind = "MAPS_TO"
	RelLinkedTo RelationKind = "LINKED_TO"
)

// EdgeType is a canonical (source type, relation kind, target type) triple.
// Message passing and edge bucketing both key on this triple.
type EdgeType struct {
	Source   NodeType     `yaml:"source"`
	Relation RelationKind `yaml:"relation"`
	Target   NodeType     `yaml:"target"`
}

func (e EdgeType) String() string {
	return fmt.Sprintf("%s-[%s]->%s", e.Source, e.Relation, e.Target)
}

// Schema is the closed set of node types and relation kinds the mirror
// tracks. The sync coordinator, loader and scorer all consult the same
// instance so the tracked sets cannot drift apart.
type Schema struct {
	NodeTypes []NodeType `yaml:"node_types"`
	EdgeTypes []EdgeType `yaml:"edge_types"`
}

//go:embed schema.yaml
var defaultSchema []byte

// Default returns the built-in GRC schema.
func Default() *Schema {
	s, err := Parse(defaultSchema)
	if err != nil {
		// The embedded document is compiled in; a parse failure is a build defect.
		panic(fmt.Sprintf("embedded schema invalid: %v", err))
	}
	return s
}

// Load reads a schema document from disk, for deployments that extend
// the tracked sets.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) validate() error {
	if len(s.NodeTypes) == 0 {
		return fmt.Errorf("schema declares no node types")
	}
	seen := make(map[NodeType]bool, len(s.NodeTypes))
	for _, nt := range s.NodeTypes {
		if seen[nt] {
			return fmt.Errorf("duplicate node type %q", nt)
		}
		seen[nt] = true
	}
	for _, et := range s.EdgeTypes {
		if !seen[et.Source] {
			return fmt.Errorf("edge type %s: untracked source type %q", et, et.Source)
		}
		if !seen[et.Target] {
			return fmt.Errorf("edge type %s: untracked target type %q", et, et.Target)
		}
	}
	return nil
}

// TracksNode reports whether nt belongs to the closed node-type set.
func (s *Schema) TracksNode(nt NodeType) bool {
	for _, t := range s.NodeTypes {
		if t == nt {
			return true
		}
	}
	return false
}

// TracksRelation reports whether kind appears in any tracked edge type.
func (s *Schema) TracksRelation(kind RelationKind) bool {
	for _, et := range s.EdgeTypes {
		if et.Relation == kind {
			return true
		}
	}
	return false
}

// EdgeTypeFor resolves the canonical triple for a (source, relation,
// target) combination, or false when the combination is untracked.
func (s *Schema) EdgeTypeFor(src NodeType, kind RelationKind, dst NodeType) (EdgeType, bool) {
	for _, et := range s.EdgeTypes {
		if et.Source == src && et.Relation == kind && et.Target == dst {
			return et, true
		}
	}
	return EdgeType{}, false
}

// RelationKinds returns the distinct tracked relation kinds, in schema order.
func (s *Schema) RelationKinds() []RelationKind {
	var kinds []RelationKind
	seen := make(map[RelationKind]bool)
	for _, et := range s.EdgeTypes {
		if !seen[et.Relation] {
			seen[et.Relation] = true
			kinds = append(kinds, et.Relation)
		}
	}
	return kinds
}
