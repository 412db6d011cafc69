package diagram

import (
	"fmt"
	"io"
	"os"

	"github.com/bytedance/sonic"
)

// json is the codec for every diagram payload. ConfigStd keeps output
// byte-compatible with encoding/json.
var json = sonic.ConfigStd

// =============================================================================
// Text form used inside wire messages
// =============================================================================

// EncodeNodes returns the JSON text of a node list. A nil list encodes as "[]".
func EncodeNodes(nodes []Node) (string, error) {
	if nodes == nil {
		nodes = []Node{}
	}
	data, err := json.Marshal(nodes)
	if err != nil {
		return "", fmt.Errorf("encode nodes: %w", err)
	}
	return string(data), nil
}

// EncodeEdges returns the JSON text of an edge list. A nil list encodes as "[]".
func EncodeEdges(edges []Edge) (string, error) {
	if edges == nil {
		edges = []Edge{}
	}
	data, err := json.Marshal(edges)
	if err != nil {
		return "", fmt.Errorf("encode edges: %w", err)
	}
	return string(data), nil
}

// DecodeNodes parses the JSON text produced by EncodeNodes.
func DecodeNodes(text string) ([]Node, error) {
	var nodes []Node
	if err := json.UnmarshalFromString(text, &nodes); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	return nodes, nil
}

// DecodeEdges parses the JSON text produced by EncodeEdges.
func DecodeEdges(text string) ([]Edge, error) {
	var edges []Edge
	if err := json.UnmarshalFromString(text, &edges); err != nil {
		return nil, fmt.Errorf("decode edges: %w", err)
	}
	return edges, nil
}

// =============================================================================
// Graph documents
// =============================================================================

// MarshalGraph converts a graph to indented JSON bytes.
func MarshalGraph(g Graph) ([]byte, error) {
	if g.Nodes == nil {
		g.Nodes = []Node{}
	}
	if g.Edges == nil {
		g.Edges = []Edge{}
	}
	return json.MarshalIndent(g, "", "  ")
}

// UnmarshalGraph deserializes JSON bytes to a Graph and validates it.
func UnmarshalGraph(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return Graph{}, fmt.Errorf("decode: %w", err)
	}
	if err := Validate(g); err != nil {
		return Graph{}, err
	}
	return g, nil
}

// WriteGraph writes a graph as JSON to an io.Writer.
func WriteGraph(g Graph, w io.Writer) error {
	data, err := MarshalGraph(g)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// ReadGraph decodes a JSON graph from an io.Reader.
func ReadGraph(r io.Reader) (Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Graph{}, fmt.Errorf("read: %w", err)
	}
	return UnmarshalGraph(data)
}

// ReadGraphFile reads a JSON graph file.
func ReadGraphFile(path string) (Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return Graph{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ReadGraph(f)
}
