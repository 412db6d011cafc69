package diagram

import (
	"errors"
	"slices"

	"github.com/matzehuels/diagramsync/pkg/anchor"
)

var (
	// ErrInvalidNodeID is returned by [Store.AddNode] when the node ID is empty.
	ErrInvalidNodeID = errors.New("node ID must not be empty")

	// ErrDuplicateNodeID is returned by [Store.AddNode] when a node with the
	// same ID already exists.
	ErrDuplicateNodeID = errors.New("duplicate node ID")

	// ErrUnknownNode is returned when an operation names a node that does not
	// exist.
	ErrUnknownNode = errors.New("unknown node")

	// ErrInvalidEdgeID is returned by [Store.AddEdge] when the edge ID is empty.
	ErrInvalidEdgeID = errors.New("edge ID must not be empty")

	// ErrDuplicateEdgeID is returned by [Store.AddEdge] when an edge with the
	// same ID already exists.
	ErrDuplicateEdgeID = errors.New("duplicate edge ID")

	// ErrUnknownEdge is returned when an operation names an edge that does not
	// exist.
	ErrUnknownEdge = errors.New("unknown edge")

	// ErrUnknownSourceNode is returned by [Store.AddEdge] when the source node
	// does not exist.
	ErrUnknownSourceNode = errors.New("unknown source node")

	// ErrUnknownTargetNode is returned by [Store.AddEdge] when the target node
	// does not exist.
	ErrUnknownTargetNode = errors.New("unknown target node")
)

// Store is the canonical mutable diagram of one session.
//
// Nodes keep their insertion order so that serialized snapshots are stable.
// Anchor usage on every node is recomputed from the edge list after each
// structural change; it is never adjusted incrementally.
//
// The zero value is not usable - use NewStore. Store is not safe for
// concurrent use without external synchronization.
type Store struct {
	nodes map[string]*Node
	order []string
	edges []Edge
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{nodes: make(map[string]*Node)}
}

// Replace discards the current graph and installs nodes and edges as given,
// then recomputes anchor usage. No merge takes place. When nodes contains the
// same ID twice the later entry wins.
func (s *Store) Replace(nodes []Node, edges []Edge) {
	s.nodes = make(map[string]*Node, len(nodes))
	s.order = s.order[:0]
	for _, n := range nodes {
		n = n.clone()
		if _, exists := s.nodes[n.ID]; !exists {
			s.order = append(s.order, n.ID)
		}
		s.nodes[n.ID] = &n
	}
	s.edges = slices.Clone(edges)
	s.RecomputeAnchorUsage()
}

// PatchNodePosition moves a node without touching anything else. It reports
// whether the node exists.
func (s *Store) PatchNodePosition(id string, x, y float64) bool {
	n, ok := s.nodes[id]
	if !ok {
		return false
	}
	n.Position = Position{X: x, Y: y}
	return true
}

// RecomputeAnchorUsage rebuilds AnchorUsage of every node from the edge list.
// Edges referencing a missing node are skipped. Calling it twice without an
// intervening change yields identical usage.
func (s *Store) RecomputeAnchorUsage() {
	tally := anchor.Tally(s.edges, s.HasNode)
	for id, n := range s.nodes {
		if u, ok := tally[id]; ok {
			n.AnchorUsage = u
		} else {
			n.AnchorUsage = anchor.NewNodeUsage()
		}
	}
}

// DanglingEdges returns the IDs of edges whose source or target is missing.
func (s *Store) DanglingEdges() []string {
	var ids []string
	for _, e := range s.edges {
		if !s.HasNode(e.Source) || !s.HasNode(e.Target) {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// AddNode appends a node. Returns ErrInvalidNodeID or ErrDuplicateNodeID.
func (s *Store) AddNode(n Node) error {
	if n.ID == "" {
		return ErrInvalidNodeID
	}
	if _, exists := s.nodes[n.ID]; exists {
		return ErrDuplicateNodeID
	}
	n = n.clone()
	s.nodes[n.ID] = &n
	s.order = append(s.order, n.ID)
	// Edges left dangling by an earlier replace may now resolve.
	s.RecomputeAnchorUsage()
	return nil
}

// RemoveNode deletes a node together with every edge touching it and returns
// the removed edges.
func (s *Store) RemoveNode(id string) ([]Edge, error) {
	if _, ok := s.nodes[id]; !ok {
		return nil, ErrUnknownNode
	}
	delete(s.nodes, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })

	var removed []Edge
	s.edges = slices.DeleteFunc(s.edges, func(e Edge) bool {
		if e.Source == id || e.Target == id {
			removed = append(removed, e)
			return true
		}
		return false
	})
	s.RecomputeAnchorUsage()
	return removed, nil
}

// UpdateNode replaces the label and attribute list of a node.
func (s *Store) UpdateNode(id, label string, attrs []Attribute) error {
	n, ok := s.nodes[id]
	if !ok {
		return ErrUnknownNode
	}
	n.Label = label
	n.Attributes = slices.Clone(attrs)
	return nil
}

// AddEdge appends an edge between two existing nodes and recomputes anchor
// usage. Anchors are stored as given; choosing them is the caller's concern.
func (s *Store) AddEdge(e Edge) error {
	if e.ID == "" {
		return ErrInvalidEdgeID
	}
	if _, ok := s.edgeIndex(e.ID); ok {
		return ErrDuplicateEdgeID
	}
	if _, ok := s.nodes[e.Source]; !ok {
		return ErrUnknownSourceNode
	}
	if _, ok := s.nodes[e.Target]; !ok {
		return ErrUnknownTargetNode
	}
	s.edges = append(s.edges, e)
	s.RecomputeAnchorUsage()
	return nil
}

// RemoveEdge deletes an edge and recomputes anchor usage.
func (s *Store) RemoveEdge(id string) error {
	i, ok := s.edgeIndex(id)
	if !ok {
		return ErrUnknownEdge
	}
	s.edges = slices.Delete(s.edges, i, i+1)
	s.RecomputeAnchorUsage()
	return nil
}

// UpdateRelation replaces the relation metadata of an edge.
func (s *Store) UpdateRelation(id string, r Relation) error {
	i, ok := s.edgeIndex(id)
	if !ok {
		return ErrUnknownEdge
	}
	s.edges[i].Relation = r
	return nil
}

func (s *Store) edgeIndex(id string) (int, bool) {
	i := slices.IndexFunc(s.edges, func(e Edge) bool { return e.ID == id })
	return i, i >= 0
}

// HasNode reports whether a node with the given ID exists.
func (s *Store) HasNode(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// Node returns a copy of the node with the given ID.
func (s *Store) Node(id string) (Node, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Edge returns a copy of the edge with the given ID.
func (s *Store) Edge(id string) (Edge, bool) {
	i, ok := s.edgeIndex(id)
	if !ok {
		return Edge{}, false
	}
	return s.edges[i], true
}

// Nodes returns copies of all nodes in insertion order.
func (s *Store) Nodes() []Node {
	nodes := make([]Node, 0, len(s.order))
	for _, id := range s.order {
		nodes = append(nodes, s.nodes[id].clone())
	}
	return nodes
}

// Edges returns a copy of the edge list in insertion order. The slice may be
// passed to anchor.Select and anchor.IsAvailable directly.
func (s *Store) Edges() []Edge { return slices.Clone(s.edges) }

// Graph returns a serializable copy of the diagram.
func (s *Store) Graph() Graph {
	return Graph{Nodes: s.Nodes(), Edges: s.Edges()}
}

// NodeCount returns the number of nodes.
func (s *Store) NodeCount() int { return len(s.nodes) }

// EdgeCount returns the number of edges.
func (s *Store) EdgeCount() int { return len(s.edges) }
