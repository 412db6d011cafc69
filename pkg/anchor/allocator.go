package anchor

import "math"

// costEpsilon absorbs floating point noise when comparing angle costs, so that
// anchors on the same side compare equal and enumeration order decides.
const costEpsilon = 1e-9

// Attachment is one edge end pinned to an anchor of a node.
type Attachment struct {
	NodeID string
	Role   Role
	Anchor ID
}

// Endpoint is implemented by edge types that occupy anchors. Attachments
// returns the source end first and the target end second.
type Endpoint interface {
	Attachments() [2]Attachment
}

// Usage counts edges per anchor for one node and role.
type Usage map[ID]int

// Total returns the number of edge ends counted in u.
func (u Usage) Total() int {
	n := 0
	for _, c := range u {
		n += c
	}
	return n
}

// Free returns the unused anchors in enumeration order.
func (u Usage) Free() []ID {
	var free []ID
	for _, p := range positions {
		if u[p.id] == 0 {
			free = append(free, p.id)
		}
	}
	return free
}

// NodeUsage holds the anchor usage of a node for both roles.
type NodeUsage struct {
	Source Usage `json:"source"`
	Target Usage `json:"target"`
}

// NewNodeUsage returns a NodeUsage with empty, non-nil maps.
func NewNodeUsage() NodeUsage {
	return NodeUsage{Source: Usage{}, Target: Usage{}}
}

// For returns the usage map of the given role.
func (n NodeUsage) For(role Role) Usage {
	if role == RoleTarget {
		return n.Target
	}
	return n.Source
}

// record adds one attachment to u. It is the only place usage is counted.
func (u Usage) record(a Attachment) {
	if a.Anchor.Valid() {
		u[a.Anchor]++
	}
}

// Count computes the usage of nodeID's anchors for role by scanning edges.
func Count[E Endpoint](nodeID string, role Role, edges []E) Usage {
	u := Usage{}
	for _, e := range edges {
		for _, a := range e.Attachments() {
			if a.NodeID == nodeID && a.Role == role {
				u.record(a)
			}
		}
	}
	return u
}

// Tally computes usage for every node in a single pass over edges. Edges with
// an endpoint for which known returns false contribute nothing.
func Tally[E Endpoint](edges []E, known func(nodeID string) bool) map[string]NodeUsage {
	out := make(map[string]NodeUsage)
	for _, e := range edges {
		atts := e.Attachments()
		if !known(atts[0].NodeID) || !known(atts[1].NodeID) {
			continue
		}
		for _, a := range atts {
			nu, ok := out[a.NodeID]
			if !ok {
				nu = NewNodeUsage()
				out[a.NodeID] = nu
			}
			nu.For(a.Role).record(a)
		}
	}
	return out
}

// Geometry places a node and the node at the other end of the edge.
type Geometry struct {
	Self Point
	Peer Point
}

// angleCosts returns 1 - dot(direction, normal) per anchor, where direction is
// the unit vector from Self to Peer. A nil geometry or coincident points give
// every anchor the same cost.
func angleCosts(g *Geometry) map[ID]float64 {
	costs := make(map[ID]float64, len(positions))
	var dx, dy float64
	if g != nil {
		dx, dy = g.Peer.X-g.Self.X, g.Peer.Y-g.Self.Y
	}
	length := math.Hypot(dx, dy)
	for _, p := range positions {
		if length == 0 || math.IsNaN(length) || math.IsInf(length, 0) {
			costs[p.id] = 1
			continue
		}
		costs[p.id] = 1 - (dx/length*p.normal.X + dy/length*p.normal.Y)
	}
	return costs
}

// Select picks the anchor of nodeID to use for a new edge end with the given
// role. Free anchors win over used ones; among equals the anchor facing the
// peer best wins, then enumeration order. geo may be nil.
func Select[E Endpoint](nodeID string, role Role, edges []E, geo *Geometry) ID {
	usage := Count(nodeID, role, edges)
	costs := angleCosts(geo)

	best := positions[0].id
	for _, p := range positions[1:] {
		if better(p.id, best, usage, costs) {
			best = p.id
		}
	}
	return best
}

// better orders anchors by usage, then by angle cost.
func better(a, b ID, usage Usage, costs map[ID]float64) bool {
	if usage[a] != usage[b] {
		return usage[a] < usage[b]
	}
	return costs[a] < costs[b]-costEpsilon
}

// IsAvailable reports whether a hand-picked anchor may take another edge end:
// it must be unused, unless every anchor of the role is already used.
func IsAvailable[E Endpoint](nodeID string, id ID, role Role, edges []E) bool {
	if !id.Valid() {
		return false
	}
	usage := Count(nodeID, role, edges)
	if usage[id] == 0 {
		return true
	}
	return len(usage.Free()) == 0
}
