package diagram_test

import (
	"fmt"

	"github.com/matzehuels/diagramsync/pkg/anchor"
	"github.com/matzehuels/diagramsync/pkg/diagram"
)

func ExampleStore_Replace() {
	s := diagram.NewStore()
	s.Replace(
		[]diagram.Node{{ID: "order"}, {ID: "line"}},
		[]diagram.Edge{{ID: "e1", Source: "order", Target: "line", SourceAnchor: anchor.Bottom1, TargetAnchor: anchor.Top1}},
	)

	order, _ := s.Node("order")
	fmt.Println("Nodes:", s.NodeCount())
	fmt.Println("Source b1:", order.AnchorUsage.Source[anchor.Bottom1])
	// Output:
	// Nodes: 2
	// Source b1: 1
}

func ExampleStore_RemoveNode() {
	s := diagram.NewStore()
	s.Replace(
		[]diagram.Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		[]diagram.Edge{
			{ID: "ab", Source: "a", Target: "b"},
			{ID: "bc", Source: "b", Target: "c"},
			{ID: "ac", Source: "a", Target: "c"},
		},
	)

	removed, _ := s.RemoveNode("b")
	fmt.Println("Removed edges:", len(removed))
	fmt.Println("Remaining edges:", s.EdgeCount())
	// Output:
	// Removed edges: 2
	// Remaining edges: 1
}

func ExampleEncodeEdges() {
	text, _ := diagram.EncodeEdges([]diagram.Edge{
		{ID: "e1", Source: "a", Target: "b", SourceAnchor: anchor.Right1, TargetAnchor: anchor.Left1},
	})
	fmt.Println(text)
	// Output:
	// [{"id":"e1","source":"a","target":"b","sourceHandle":"r1","targetHandle":"l1","relation":{}}]
}
