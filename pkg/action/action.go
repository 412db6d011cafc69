// Package action applies structured edit actions to a diagram.
//
// Actions usually come from a natural-language Translator: it turns an
// instruction such as "add an Invoice entity linked to Order" into a list of
// Ops, and Apply replays them through the same local edit operations a user
// would trigger. Because of that, action edits are debounced and published
// exactly like hand-made ones.
//
// Ops have a JSON form, one object per op with an "op" discriminator:
//
//	[
//	  {"op": "add_entity", "id": "invoice", "name": "Invoice", "x": 300, "y": 40},
//	  {"op": "add_relation", "source": "order", "target": "invoice",
//	   "relation": {"kind": "composition", "targetMultiplicity": "1"}}
//	]
package action

import (
	"context"

	"github.com/matzehuels/diagramsync/pkg/anchor"
	"github.com/matzehuels/diagramsync/pkg/diagram"
	"github.com/matzehuels/diagramsync/pkg/errors"
)

// Kind discriminates ops.
type Kind string

// Op kinds.
const (
	KindAddEntity      Kind = "add_entity"
	KindRemoveEntity   Kind = "remove_entity"
	KindRenameEntity   Kind = "rename_entity"
	KindSetAttributes  Kind = "set_attributes"
	KindMoveEntity     Kind = "move_entity"
	KindAddRelation    Kind = "add_relation"
	KindRemoveRelation Kind = "remove_relation"
	KindUpdateRelation Kind = "update_relation"
)

// Editor is the local edit surface ops are applied to. collab.Engine
// implements it.
type Editor interface {
	Graph() diagram.Graph
	Node(id string) (diagram.Node, bool)
	AddNode(n diagram.Node) (diagram.Node, error)
	RemoveNode(id string) error
	UpdateNode(id, label string, attrs []diagram.Attribute) error
	MoveNode(id string, x, y float64) error
	AddEdge(e diagram.Edge) (diagram.Edge, error)
	RemoveEdge(id string) error
	UpdateRelation(id string, r diagram.Relation) error
}

// Op is one edit action.
type Op interface {
	Kind() Kind
	apply(Editor) error
}

// AddEntity creates an entity. An empty ID gets a generated one.
type AddEntity struct {
	ID         string
	Name       string
	Attributes []diagram.Attribute
	Position   diagram.Position
}

// RemoveEntity deletes an entity and its relations.
type RemoveEntity struct{ ID string }

// RenameEntity changes an entity's label.
type RenameEntity struct{ ID, Name string }

// SetAttributes replaces an entity's attribute list.
type SetAttributes struct {
	ID         string
	Attributes []diagram.Attribute
}

// MoveEntity places an entity.
type MoveEntity struct {
	ID       string
	Position diagram.Position
}

// AddRelation connects two entities. Empty anchors are allocated.
type AddRelation struct {
	ID           string
	Source       string
	Target       string
	SourceAnchor anchor.ID
	TargetAnchor anchor.ID
	Relation     diagram.Relation
}

// RemoveRelation deletes a relation.
type RemoveRelation struct{ ID string }

// UpdateRelation replaces a relation's metadata.
type UpdateRelation struct {
	ID       string
	Relation diagram.Relation
}

func (AddEntity) Kind() Kind      { return KindAddEntity }
func (RemoveEntity) Kind() Kind   { return KindRemoveEntity }
func (RenameEntity) Kind() Kind   { return KindRenameEntity }
func (SetAttributes) Kind() Kind  { return KindSetAttributes }
func (MoveEntity) Kind() Kind     { return KindMoveEntity }
func (AddRelation) Kind() Kind    { return KindAddRelation }
func (RemoveRelation) Kind() Kind { return KindRemoveRelation }
func (UpdateRelation) Kind() Kind { return KindUpdateRelation }

func (o AddEntity) apply(ed Editor) error {
	_, err := ed.AddNode(diagram.Node{ID: o.ID, Label: o.Name, Attributes: o.Attributes, Position: o.Position})
	return err
}

func (o RemoveEntity) apply(ed Editor) error { return ed.RemoveNode(o.ID) }

func (o RenameEntity) apply(ed Editor) error {
	n, ok := ed.Node(o.ID)
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "unknown entity %s", o.ID)
	}
	return ed.UpdateNode(o.ID, o.Name, n.Attributes)
}

func (o SetAttributes) apply(ed Editor) error {
	n, ok := ed.Node(o.ID)
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "unknown entity %s", o.ID)
	}
	return ed.UpdateNode(o.ID, n.Label, o.Attributes)
}

func (o MoveEntity) apply(ed Editor) error { return ed.MoveNode(o.ID, o.Position.X, o.Position.Y) }

func (o AddRelation) apply(ed Editor) error {
	_, err := ed.AddEdge(diagram.Edge{
		ID:           o.ID,
		Source:       o.Source,
		Target:       o.Target,
		SourceAnchor: o.SourceAnchor,
		TargetAnchor: o.TargetAnchor,
		Relation:     o.Relation,
	})
	return err
}

func (o RemoveRelation) apply(ed Editor) error { return ed.RemoveEdge(o.ID) }

func (o UpdateRelation) apply(ed Editor) error { return ed.UpdateRelation(o.ID, o.Relation) }

// Apply runs ops in order and returns how many succeeded. It stops at the
// first failing op; the returned error keeps that op's error code.
func Apply(ed Editor, ops []Op) (int, error) {
	for i, op := range ops {
		if err := op.apply(ed); err != nil {
			code := errors.GetCode(err)
			if code == "" {
				code = errors.ErrCodeInternal
			}
			return i, errors.Wrap(code, err, "op %d (%s)", i, op.Kind())
		}
	}
	return len(ops), nil
}

// Translator turns a natural-language instruction into ops against the
// current graph.
type Translator interface {
	Translate(ctx context.Context, instruction string, current diagram.Graph) ([]Op, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(ctx context.Context, instruction string, current diagram.Graph) ([]Op, error)

// Translate calls f.
func (f TranslatorFunc) Translate(ctx context.Context, instruction string, current diagram.Graph) ([]Op, error) {
	return f(ctx, instruction, current)
}

// Run translates instruction against ed's graph and applies the result.
func Run(ctx context.Context, tr Translator, ed Editor, instruction string) (int, error) {
	ops, err := tr.Translate(ctx, instruction, ed.Graph())
	if err != nil {
		if errors.GetCode(err) == "" {
			err = errors.Wrap(errors.ErrCodeInternal, err, "translate")
		}
		return 0, err
	}
	return Apply(ed, ops)
}
