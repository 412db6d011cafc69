package anchor

import "math"

// SchemaVersion identifies the anchor naming scheme stored in edge records.
// It changes only if an anchor is renamed or removed.
const SchemaVersion = 1

// Role says which end of an edge an anchor serves.
type Role string

const (
	// RoleSource anchors hold the edge end leaving a node.
	RoleSource Role = "source"
	// RoleTarget anchors hold the edge end entering a node.
	RoleTarget Role = "target"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleSource || r == RoleTarget }

// ID names one of the twelve anchor positions of a node.
type ID string

// Anchor positions. Sides carry two anchors each, numbered left to right
// (top, bottom) or top to bottom (left, right).
const (
	Top1        ID = "t1"
	Top2        ID = "t2"
	Right1      ID = "r1"
	Right2      ID = "r2"
	Bottom1     ID = "b1"
	Bottom2     ID = "b2"
	Left1       ID = "l1"
	Left2       ID = "l2"
	TopLeft     ID = "tl"
	TopRight    ID = "tr"
	BottomRight ID = "br"
	BottomLeft  ID = "bl"
)

// Point is a position in diagram space. Y grows downward, as on screen.
type Point struct {
	X float64 `json:"x" bson:"x"`
	Y float64 `json:"y" bson:"y"`
}

type position struct {
	id      ID
	normal  Point
	compass string
}

var diag = 1 / math.Sqrt2

// positions is the fixed enumeration order. Ties in Select resolve to the
// earliest entry.
var positions = [...]position{
	{Top1, Point{0, -1}, "n"},
	{Top2, Point{0, -1}, "n"},
	{Right1, Point{1, 0}, "e"},
	{Right2, Point{1, 0}, "e"},
	{Bottom1, Point{0, 1}, "s"},
	{Bottom2, Point{0, 1}, "s"},
	{Left1, Point{-1, 0}, "w"},
	{Left2, Point{-1, 0}, "w"},
	{TopLeft, Point{-diag, -diag}, "nw"},
	{TopRight, Point{diag, -diag}, "ne"},
	{BottomRight, Point{diag, diag}, "se"},
	{BottomLeft, Point{-diag, diag}, "sw"},
}

// PerRole is the number of anchors a node offers for each role.
const PerRole = len(positions)

// All returns every anchor ID in enumeration order.
func All() []ID {
	ids := make([]ID, len(positions))
	for i, p := range positions {
		ids[i] = p.id
	}
	return ids
}

func lookup(id ID) (position, bool) {
	for _, p := range positions {
		if p.id == id {
			return p, true
		}
	}
	return position{}, false
}

// Valid reports whether id is one of the twelve anchors.
func (id ID) Valid() bool {
	_, ok := lookup(id)
	return ok
}

// Normal returns the unit vector pointing out of the node at this anchor.
// Unknown IDs return the zero vector.
func (id ID) Normal() Point {
	p, _ := lookup(id)
	return p.normal
}

// Compass returns the Graphviz compass point closest to the anchor.
func (id ID) Compass() string {
	p, ok := lookup(id)
	if !ok {
		return "c"
	}
	return p.compass
}
