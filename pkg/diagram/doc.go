// Package diagram holds the canonical in-memory class diagram shared by all
// collaborators of a project: entity nodes, relation edges, and the anchor usage
// derived from them.
//
// # Core Types
//
//   - [Node]: an entity box with a label, ordered attributes and a position
//   - [Edge]: a relation between two nodes, pinned to one anchor at each end
//   - [Relation]: relation metadata (kind, multiplicities, direction, owner)
//   - [Graph]: the serializable node-link pair used on the wire and on disk
//   - [Store]: the mutable graph with derived anchor usage
//
// # Derived Anchor Usage
//
// Every [Node] carries AnchorUsage, the number of edge ends attached to each of
// its anchors per role. It is never incremented by hand: [Store] recomputes it
// from the full edge list after every structural change and after every
// [Store.Replace]. Edges that reference a missing node are tolerated and simply
// contribute nothing.
//
// # Serialization
//
// Nodes and edges travel as JSON text (see [EncodeNodes], [EncodeEdges]).
// AnchorUsage is not serialized; receivers recompute it.
//
//	{"id":"order","position":{"x":40,"y":80},"label":"Order",
//	 "attributes":[{"name":"total","type":"Money"}]}
//
// # Concurrency
//
// Store is not safe for concurrent use. The collaboration engine owns one Store
// per session and serializes access to it.
package diagram
