// Package anchor defines the fixed connection points of a diagram node and the
// allocator that picks one for a new edge endpoint.
//
// Every node exposes the same twelve anchors for each [Role]: the four corners
// and two points along each side. Their names ([ID]) are stable and persisted in
// edge records, so a diagram saved by one session loads unchanged in another.
//
// # Allocation
//
// [Select] scans the live edge list to count how often each anchor of a node is
// already used for a role, and returns:
//
//   - the free anchor whose outward normal best faces the peer node, or
//   - when every anchor is taken, the least used one (angle breaks ties).
//
// Without geometry all anchors face equally well and the fixed enumeration order
// of [All] decides.
//
// [IsAvailable] gates anchors picked by hand. An anchor is available when it is
// unused, or when every anchor of that role is already in use.
//
// Both functions count usage with [Count]; no usage counter is ever cached, so
// the result always reflects the edges passed in.
//
//	id := anchor.Select("orders", anchor.RoleSource, edges, &anchor.Geometry{
//	    Self: anchor.Point{X: 0, Y: 0},
//	    Peer: anchor.Point{X: 300, Y: 0},
//	})
//	// id == anchor.Right1
package anchor
