package action

import (
	"io"
	"os"

	"github.com/bytedance/sonic"

	"github.com/matzehuels/diagramsync/pkg/anchor"
	"github.com/matzehuels/diagramsync/pkg/diagram"
	"github.com/matzehuels/diagramsync/pkg/errors"
)

var json = sonic.ConfigStd

// wireOp is the JSON form shared by every op kind.
type wireOp struct {
	Op           Kind                `json:"op"`
	ID           string              `json:"id,omitempty"`
	Name         string              `json:"name,omitempty"`
	Attributes   []diagram.Attribute `json:"attributes,omitempty"`
	X            *float64            `json:"x,omitempty"`
	Y            *float64            `json:"y,omitempty"`
	Source       string              `json:"source,omitempty"`
	Target       string              `json:"target,omitempty"`
	SourceAnchor anchor.ID           `json:"sourceHandle,omitempty"`
	TargetAnchor anchor.ID           `json:"targetHandle,omitempty"`
	Relation     *diagram.Relation   `json:"relation,omitempty"`
}

// Decode parses a JSON array of ops. Unknown kinds and missing required
// fields are INVALID_INPUT errors naming the op index.
func Decode(data []byte) ([]Op, error) {
	var wire []wireOp
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "decode actions")
	}
	ops := make([]Op, 0, len(wire))
	for i, w := range wire {
		op, err := w.op()
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "action %d", i)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Read decodes ops from r.
func Read(r io.Reader) ([]Op, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "read actions")
	}
	return Decode(data)
}

// ReadFile decodes ops from a JSON file.
func ReadFile(path string) ([]Op, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "open actions")
	}
	defer f.Close()
	return Read(f)
}

// Encode renders ops as a JSON array.
func Encode(ops []Op) ([]byte, error) {
	wire := make([]wireOp, 0, len(ops))
	for _, op := range ops {
		wire = append(wire, toWire(op))
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "encode actions")
	}
	return data, nil
}

func (w wireOp) op() (Op, error) {
	need := func(field, v string) error {
		if v == "" {
			return errors.New(errors.ErrCodeInvalidInput, "%s: %s is required", w.Op, field)
		}
		return nil
	}
	relation := func() diagram.Relation {
		if w.Relation == nil {
			return diagram.Relation{}
		}
		return *w.Relation
	}

	switch w.Op {
	case KindAddEntity:
		if w.ID == "" && w.Name == "" {
			return nil, errors.New(errors.ErrCodeInvalidInput, "%s: id or name is required", w.Op)
		}
		return AddEntity{ID: w.ID, Name: w.Name, Attributes: w.Attributes, Position: w.position()}, nil
	case KindRemoveEntity:
		return RemoveEntity{ID: w.ID}, need("id", w.ID)
	case KindRenameEntity:
		if err := need("id", w.ID); err != nil {
			return nil, err
		}
		return RenameEntity{ID: w.ID, Name: w.Name}, need("name", w.Name)
	case KindSetAttributes:
		return SetAttributes{ID: w.ID, Attributes: w.Attributes}, need("id", w.ID)
	case KindMoveEntity:
		if w.X == nil || w.Y == nil {
			return nil, errors.New(errors.ErrCodeInvalidInput, "%s: x and y are required", w.Op)
		}
		return MoveEntity{ID: w.ID, Position: w.position()}, need("id", w.ID)
	case KindAddRelation:
		if err := need("source", w.Source); err != nil {
			return nil, err
		}
		if err := need("target", w.Target); err != nil {
			return nil, err
		}
		return AddRelation{
			ID:           w.ID,
			Source:       w.Source,
			Target:       w.Target,
			SourceAnchor: w.SourceAnchor,
			TargetAnchor: w.TargetAnchor,
			Relation:     relation(),
		}, nil
	case KindRemoveRelation:
		return RemoveRelation{ID: w.ID}, need("id", w.ID)
	case KindUpdateRelation:
		if w.Relation == nil {
			return nil, errors.New(errors.ErrCodeInvalidInput, "%s: relation is required", w.Op)
		}
		return UpdateRelation{ID: w.ID, Relation: relation()}, need("id", w.ID)
	case "":
		return nil, errors.New(errors.ErrCodeInvalidInput, "op is required")
	}
	return nil, errors.New(errors.ErrCodeInvalidInput, "unknown op %q", w.Op)
}

func (w wireOp) position() diagram.Position {
	var p diagram.Position
	if w.X != nil {
		p.X = *w.X
	}
	if w.Y != nil {
		p.Y = *w.Y
	}
	return p
}

func toWire(op Op) wireOp {
	w := wireOp{Op: op.Kind()}
	xy := func(p diagram.Position) {
		x, y := p.X, p.Y
		w.X, w.Y = &x, &y
	}
	switch o := op.(type) {
	case AddEntity:
		w.ID, w.Name, w.Attributes = o.ID, o.Name, o.Attributes
		xy(o.Position)
	case RemoveEntity:
		w.ID = o.ID
	case RenameEntity:
		w.ID, w.Name = o.ID, o.Name
	case SetAttributes:
		w.ID, w.Attributes = o.ID, o.Attributes
	case MoveEntity:
		w.ID = o.ID
		xy(o.Position)
	case AddRelation:
		w.ID, w.Source, w.Target = o.ID, o.Source, o.Target
		w.SourceAnchor, w.TargetAnchor = o.SourceAnchor, o.TargetAnchor
		r := o.Relation
		w.Relation = &r
	case RemoveRelation:
		w.ID = o.ID
	case UpdateRelation:
		w.ID = o.ID
		r := o.Relation
		w.Relation = &r
	}
	return w
}
