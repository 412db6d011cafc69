// Package persist stores project diagrams.
//
// Every backend implements [Store]. Saving increments the project's version
// by one; loading a project that was never saved yields an empty diagram at
// version 0. Anchor usage is not stored; readers recompute it.
//
// Backends:
//   - [Memory]: in-process map, for tests and single-binary mode
//   - [File]: one JSON document per project in a directory
//   - [Mongo]: one MongoDB document per project, versioned atomically
package persist

import (
	"context"
	"slices"
	"time"

	"github.com/matzehuels/diagramsync/pkg/anchor"
	"github.com/matzehuels/diagramsync/pkg/diagram"
	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/observability"
)

// Document is the persisted form of one project's diagram.
type Document struct {
	ProjectID string         `json:"projectId" bson:"_id"`
	Name      string         `json:"name" bson:"name"`
	Nodes     []diagram.Node `json:"nodes" bson:"nodes"`
	Edges     []diagram.Edge `json:"edges" bson:"edges"`
	Version   int64          `json:"version" bson:"version"`
	UpdatedAt time.Time      `json:"updatedAt" bson:"updated_at"`
}

// Graph returns the document's nodes and edges.
func (d Document) Graph() diagram.Graph {
	return diagram.Graph{Nodes: d.Nodes, Edges: d.Edges}
}

// Store loads and saves project diagrams.
type Store interface {
	// Load returns the stored document, or an empty one at version 0 when
	// the project has never been saved.
	Load(ctx context.Context, projectID string) (Document, error)

	// Save stores the name and graph of doc and returns the new version.
	// doc.ProjectID, doc.Version and doc.UpdatedAt are ignored.
	Save(ctx context.Context, projectID string, doc Document) (int64, error)

	Close() error
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendMongo  = "mongo"
)

func emptyDocument(projectID string) Document {
	return Document{ProjectID: projectID, Nodes: []diagram.Node{}, Edges: []diagram.Edge{}}
}

func cloneDocument(d Document) Document {
	d.Nodes = slices.Clone(d.Nodes)
	d.Edges = slices.Clone(d.Edges)
	for i := range d.Nodes {
		d.Nodes[i].Attributes = slices.Clone(d.Nodes[i].Attributes)
		d.Nodes[i].AnchorUsage = anchor.NodeUsage{}
	}
	if d.Nodes == nil {
		d.Nodes = []diagram.Node{}
	}
	if d.Edges == nil {
		d.Edges = []diagram.Edge{}
	}
	return d
}

func validateDocument(projectID string, doc Document) error {
	if err := errors.ValidateID("project", projectID); err != nil {
		return err
	}
	if err := diagram.Validate(doc.Graph()); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidInput, err, "project %s", projectID)
	}
	return nil
}

func observeLoad(ctx context.Context, backend string, start time.Time, err error) {
	observability.Store().OnLoad(ctx, backend, time.Since(start), err)
}

func observeSave(ctx context.Context, backend string, version int64, start time.Time, err error) {
	observability.Store().OnSave(ctx, backend, version, time.Since(start), err)
}
