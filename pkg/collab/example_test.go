package collab_test

import (
	"context"
	"fmt"
	"time"

	"github.com/matzehuels/diagramsync/pkg/collab"
	"github.com/matzehuels/diagramsync/pkg/diagram"
	"github.com/matzehuels/diagramsync/pkg/schedule/schedtest"
	"github.com/matzehuels/diagramsync/pkg/transport"
)

func Example() {
	ctx := context.Background()
	hub := transport.NewHub(nil)
	clock := schedtest.NewClock()

	alice, _ := collab.New(hub.Channel(), collab.Options{ProjectID: "shop", ClientID: "alice", Clock: clock})
	bob, _ := collab.New(hub.Channel(), collab.Options{ProjectID: "shop", ClientID: "bob", Clock: clock})
	defer alice.Stop()
	defer bob.Stop()
	_ = alice.Start(ctx)
	_ = bob.Start(ctx)

	_, _ = alice.AddNode(diagram.Node{ID: "customer", Label: "Customer"})
	_, _ = alice.AddNode(diagram.Node{ID: "order", Label: "Order", Position: diagram.Position{X: 240}})
	edge, _ := alice.AddEdge(diagram.Edge{ID: "places", Source: "customer", Target: "order"})
	fmt.Println("anchors:", edge.SourceAnchor, edge.TargetAnchor)

	clock.Advance(collab.DefaultSnapshotDelay)
	for _, n := range bob.Graph().Nodes {
		fmt.Println("bob sees", n.ID)
	}

	_ = bob.Drag("order", 260, 10)
	clock.Advance(time.Second)
	n, _ := alice.Node("order")
	fmt.Println("alice sees order at", n.Position.X, n.Position.Y)

	// Output:
	// anchors: r1 l1
	// bob sees customer
	// bob sees order
	// alice sees order at 260 10
}
