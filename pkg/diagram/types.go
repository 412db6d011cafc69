package diagram

import (
	"slices"

	"github.com/matzehuels/diagramsync/pkg/anchor"
)

// Position is the top-left corner of a node in diagram space.
type Position = anchor.Point

// Attribute is one typed field of an entity.
type Attribute struct {
	Name string `json:"name" bson:"name"`
	Type string `json:"type" bson:"type"`
}

// RelationKind classifies an edge.
type RelationKind string

// Relation kinds.
const (
	KindAssociation RelationKind = "association"
	KindAggregation RelationKind = "aggregation"
	KindComposition RelationKind = "composition"
	KindInheritance RelationKind = "inheritance"
	KindDependency  RelationKind = "dependency"
)

// Valid reports whether k is a known relation kind. The empty kind is valid
// and treated as an association.
func (k RelationKind) Valid() bool {
	switch k {
	case "", KindAssociation, KindAggregation, KindComposition, KindInheritance, KindDependency:
		return true
	}
	return false
}

// Direction says which way a relation can be navigated.
type Direction string

// Relation directions.
const (
	DirectionNone     Direction = "none"
	DirectionForward  Direction = "source_to_target"
	DirectionBackward Direction = "target_to_source"
	DirectionBoth     Direction = "bidirectional"
)

// Relation is the metadata of an edge consumed by the code generator.
type Relation struct {
	Kind               RelationKind `json:"kind,omitempty" bson:"kind,omitempty"`
	SourceMultiplicity string       `json:"sourceMultiplicity,omitempty" bson:"source_multiplicity,omitempty"`
	TargetMultiplicity string       `json:"targetMultiplicity,omitempty" bson:"target_multiplicity,omitempty"`
	Direction          Direction    `json:"direction,omitempty" bson:"direction,omitempty"`
	OwningSide         anchor.Role  `json:"owningSide,omitempty" bson:"owning_side,omitempty"`
	Label              string       `json:"label,omitempty" bson:"label,omitempty"`
}

// EffectiveKind returns the relation kind, defaulting to association.
func (r Relation) EffectiveKind() RelationKind {
	if r.Kind == "" {
		return KindAssociation
	}
	return r.Kind
}

// Node is an entity box.
type Node struct {
	ID         string      `json:"id" bson:"id"`
	Position   Position    `json:"position" bson:"position"`
	Label      string      `json:"label" bson:"label"`
	Attributes []Attribute `json:"attributes,omitempty" bson:"attributes,omitempty"`

	// AnchorUsage is derived from the edge list by Store and never serialized.
	AnchorUsage anchor.NodeUsage `json:"-" bson:"-"`
}

// DisplayLabel returns the label if set, otherwise the ID.
func (n *Node) DisplayLabel() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// clone returns a deep copy of n.
func (n Node) clone() Node {
	n.Attributes = slices.Clone(n.Attributes)
	n.AnchorUsage = anchor.NodeUsage{
		Source: cloneUsage(n.AnchorUsage.Source),
		Target: cloneUsage(n.AnchorUsage.Target),
	}
	return n
}

func cloneUsage(u anchor.Usage) anchor.Usage {
	out := make(anchor.Usage, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

// Edge is a relation between two nodes.
type Edge struct {
	ID           string    `json:"id" bson:"id"`
	Source       string    `json:"source" bson:"source"`
	Target       string    `json:"target" bson:"target"`
	SourceAnchor anchor.ID `json:"sourceHandle,omitempty" bson:"source_handle,omitempty"`
	TargetAnchor anchor.ID `json:"targetHandle,omitempty" bson:"target_handle,omitempty"`
	Relation     Relation  `json:"relation" bson:"relation"`
}

// Attachments implements anchor.Endpoint.
func (e Edge) Attachments() [2]anchor.Attachment {
	return [2]anchor.Attachment{
		{NodeID: e.Source, Role: anchor.RoleSource, Anchor: e.SourceAnchor},
		{NodeID: e.Target, Role: anchor.RoleTarget, Anchor: e.TargetAnchor},
	}
}

// Graph is the serializable form of a diagram.
type Graph struct {
	Nodes []Node `json:"nodes" bson:"nodes"`
	Edges []Edge `json:"edges" bson:"edges"`
}
