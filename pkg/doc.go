// Package pkg provides the libraries behind diagramsync, a synchronization
// layer for collaboratively edited entity diagrams.
//
// # Overview
//
// Several editing sessions hold a copy of the same diagram. Each local edit
// is applied at once and then broadcast as a full snapshot; drags stream
// cursor samples in between. The pkg directory is organized into four areas:
//
//  1. Model - [diagram] (graph, store, DOT export) and [anchor] (anchor
//     geometry and allocation)
//  2. Sync - [collab] (the per-session engine), [protocol] (wire messages)
//     and [schedule] (debounce and throttle)
//  3. Infrastructure - [transport] (channels: in-process hub, Redis,
//     websocket relay), [persist] (memory, file and Mongo stores) and
//     [observability] (hooks)
//  4. Automation - [action] (scripted or translated edit operations)
//
// # Architecture
//
// The data flow of one local edit:
//
//	UI / action script
//	         ↓
//	    [collab] Engine (apply to local store, allocate anchors)
//	         ↓
//	    [schedule] Debouncer (coalesce edits)
//	         ↓
//	    [protocol] Snapshot → [transport] Channel
//	         ↓
//	    peers' Engines (replace graph unless sent by themselves)
//
// # Quick Start
//
// Join a project through a relay server:
//
//	import (
//	    "context"
//	    "github.com/matzehuels/diagramsync/pkg/collab"
//	    "github.com/matzehuels/diagramsync/pkg/diagram"
//	    "github.com/matzehuels/diagramsync/pkg/transport/ws"
//	)
//
//	ch, _ := ws.Dial("ws://localhost:8080/ws", ws.Options{})
//	e, _ := collab.New(ch, collab.Options{ProjectID: "shop"})
//	_ = e.Start(context.Background())
//	defer e.Stop()
//
//	e.AddNode(diagram.Node{ID: "customer", Label: "Customer"})
//	e.AddNode(diagram.Node{ID: "order", Label: "Order", Position: diagram.Position{X: 300}})
//	e.AddEdge(diagram.Edge{ID: "places", Source: "customer", Target: "order"})
//
// Error values carry codes from [errors]; [buildinfo] holds the version set
// at link time.
package pkg
