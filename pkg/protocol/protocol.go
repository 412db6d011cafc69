// Package protocol converts between transport payloads and the typed messages
// of the collaboration protocol.
//
// Inbound payloads are classified exactly once, by [Decode], into one of
// [Snapshot], [CursorMove] or [Unknown]. Payloads whose type is recognized but
// whose fields have the wrong shape are rejected with a MALFORMED_MESSAGE
// error.
//
// Wire shapes:
//
//	{"type":"diagram.snapshot","clientId":"c1","baseVersion":3,"name":"Shop",
//	 "nodes":"[...]","edges":"[...]","version":4}
//	{"type":"diagram.move","clientId":"c1","id":"n1","x":10,"y":20,
//	 "ts":1700000000000,"seq":7}
package protocol

import (
	"math"

	"github.com/bytedance/sonic"

	"github.com/matzehuels/diagramsync/pkg/diagram"
	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/transport"
)

// Message types.
const (
	TypeSnapshot = "diagram.snapshot"
	TypeMove     = "diagram.move"
)

// Message is one decoded inbound message.
type Message interface {
	// Sender returns the clientId of the session that sent the message.
	Sender() string
	isMessage()
}

// Snapshot is a full copy of a project's graph.
type Snapshot struct {
	ClientID string
	// BaseVersion is the persisted version the sender last knew, nil if none.
	BaseVersion *int64
	Name        string
	Nodes       []diagram.Node
	Edges       []diagram.Edge
	// Version is set by senders that just persisted the graph.
	Version *int64
}

// CursorMove is one position sample of a node being dragged.
type CursorMove struct {
	ClientID  string
	NodeID    string
	X, Y      float64
	Timestamp int64
	Sequence  int64
}

// Unknown is a payload whose type is not part of the protocol.
type Unknown struct {
	Type    string
	Payload transport.Payload
}

func (m Snapshot) Sender() string   { return m.ClientID }
func (m CursorMove) Sender() string { return m.ClientID }
func (m Unknown) Sender() string    { return m.Payload.String("clientId") }

func (Snapshot) isMessage()   {}
func (CursorMove) isMessage() {}
func (Unknown) isMessage()    {}

// Decode classifies p.
func Decode(p transport.Payload) (Message, error) {
	if p == nil {
		return nil, malformed("empty payload")
	}
	typ, ok := p["type"].(string)
	if _, present := p["type"]; present && !ok {
		return nil, malformed("type is not a string")
	}
	clientID, err := optionalString(p, "clientId")
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeSnapshot:
		return decodeSnapshot(p, clientID)
	case TypeMove:
		return decodeMove(p, clientID)
	default:
		return Unknown{Type: typ, Payload: p}, nil
	}
}

func decodeSnapshot(p transport.Payload, clientID string) (Message, error) {
	m := Snapshot{ClientID: clientID}
	var err error
	if m.Name, err = optionalString(p, "name"); err != nil {
		return nil, err
	}
	if m.BaseVersion, err = optionalInt(p, "baseVersion"); err != nil {
		return nil, err
	}
	if m.Version, err = optionalInt(p, "version"); err != nil {
		return nil, err
	}

	nodesText, err := listText(p, "nodes")
	if err != nil {
		return nil, err
	}
	edgesText, err := listText(p, "edges")
	if err != nil {
		return nil, err
	}
	if m.Nodes, err = diagram.DecodeNodes(nodesText); err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedMessage, err, "snapshot nodes")
	}
	if m.Edges, err = diagram.DecodeEdges(edgesText); err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedMessage, err, "snapshot edges")
	}
	if err := diagram.Validate(diagram.Graph{Nodes: m.Nodes, Edges: m.Edges}); err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedMessage, err, "snapshot graph")
	}
	return m, nil
}

func decodeMove(p transport.Payload, clientID string) (Message, error) {
	id, ok := p["id"].(string)
	if !ok || id == "" {
		return nil, malformed("move: id must be a non-empty string")
	}
	x, ok := finite(p["x"])
	if !ok {
		return nil, malformed("move: x must be a finite number")
	}
	y, ok := finite(p["y"])
	if !ok {
		return nil, malformed("move: y must be a finite number")
	}
	seq, err := optionalInt(p, "seq")
	if err != nil {
		return nil, err
	}
	if seq == nil {
		return nil, malformed("move: seq is required")
	}
	ts, err := optionalInt(p, "ts")
	if err != nil {
		return nil, err
	}
	m := CursorMove{ClientID: clientID, NodeID: id, X: x, Y: y, Sequence: *seq}
	if ts != nil {
		m.Timestamp = *ts
	}
	return m, nil
}

// Payload encodes the snapshot for sending.
func (m Snapshot) Payload() (transport.Payload, error) {
	nodes, err := diagram.EncodeNodes(m.Nodes)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "encode snapshot")
	}
	edges, err := diagram.EncodeEdges(m.Edges)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "encode snapshot")
	}
	p := transport.Payload{
		"type":        TypeSnapshot,
		"clientId":    m.ClientID,
		"baseVersion": nil,
		"name":        m.Name,
		"nodes":       nodes,
		"edges":       edges,
	}
	if m.BaseVersion != nil {
		p["baseVersion"] = *m.BaseVersion
	}
	if m.Version != nil {
		p["version"] = *m.Version
	}
	return p, nil
}

// Payload encodes the cursor move for sending.
func (m CursorMove) Payload() transport.Payload {
	return transport.Payload{
		"type":     TypeMove,
		"clientId": m.ClientID,
		"id":       m.NodeID,
		"x":        m.X,
		"y":        m.Y,
		"ts":       m.Timestamp,
		"seq":      m.Sequence,
	}
}

// =============================================================================
// Field helpers
// =============================================================================

func malformed(format string, args ...any) error {
	return errors.New(errors.ErrCodeMalformedMessage, format, args...)
}

func optionalString(p transport.Payload, key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", malformed("%s is not a string", key)
	}
	return s, nil
}

// optionalInt reads an integral number. Missing and null both yield nil.
func optionalInt(p transport.Payload, key string) (*int64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	f, ok := finite(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return nil, malformed("%s must be an integer", key)
	}
	n := int64(f)
	return &n, nil
}

// listText returns the JSON text of a list field. Senders put the text in a
// string; a bare JSON array is accepted too.
func listText(p transport.Payload, key string) (string, error) {
	switch v := p[key].(type) {
	case string:
		return v, nil
	case []any:
		data, err := sonic.ConfigStd.Marshal(v)
		if err != nil {
			return "", malformed("%s: %v", key, err)
		}
		return string(data), nil
	case nil:
		return "", malformed("%s is required", key)
	default:
		return "", malformed("%s must be a JSON string", key)
	}
}

// finite converts any numeric payload value to float64. NaN and infinities
// are rejected.
func finite(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
