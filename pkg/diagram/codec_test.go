package diagram

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/matzehuels/diagramsync/pkg/anchor"
)

var ignoreUsage = cmpopts.IgnoreFields(Node{}, "AnchorUsage")

func TestEncodeDecodeLists(t *testing.T) {
	nodes := sampleNodes()
	nodes[0].Attributes = []Attribute{{Name: "id", Type: "uuid"}}
	edges := sampleEdges()
	edges[0].Relation = Relation{Kind: KindInheritance, Label: "is a"}

	nodeText, err := EncodeNodes(nodes)
	if err != nil {
		t.Fatalf("EncodeNodes: %v", err)
	}
	edgeText, err := EncodeEdges(edges)
	if err != nil {
		t.Fatalf("EncodeEdges: %v", err)
	}

	gotNodes, err := DecodeNodes(nodeText)
	if err != nil {
		t.Fatalf("DecodeNodes: %v", err)
	}
	gotEdges, err := DecodeEdges(edgeText)
	if err != nil {
		t.Fatalf("DecodeEdges: %v", err)
	}
	if diff := cmp.Diff(nodes, gotNodes, ignoreUsage); diff != "" {
		t.Errorf("nodes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(edges, gotEdges); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeNilLists(t *testing.T) {
	n, _ := EncodeNodes(nil)
	e, _ := EncodeEdges(nil)
	if n != "[]" || e != "[]" {
		t.Errorf("EncodeNodes(nil), EncodeEdges(nil) = %q, %q, want [] and []", n, e)
	}
}

func TestEncodeWireNames(t *testing.T) {
	text, err := EncodeEdges([]Edge{{ID: "e", Source: "a", Target: "b", SourceAnchor: anchor.Right1, TargetAnchor: anchor.Left2}})
	if err != nil {
		t.Fatalf("EncodeEdges: %v", err)
	}
	for _, want := range []string{`"sourceHandle":"r1"`, `"targetHandle":"l2"`} {
		if !strings.Contains(text, want) {
			t.Errorf("encoded edge %s missing %s", text, want)
		}
	}

	text, _ = EncodeNodes(sampleNodes())
	if strings.Contains(text, "AnchorUsage") || strings.Contains(text, "anchorUsage") {
		t.Errorf("encoded nodes leak derived usage: %s", text)
	}
}

func TestEncodeIsStableAcrossRecompute(t *testing.T) {
	s := NewStore()
	s.Replace(sampleNodes(), sampleEdges())

	first, _ := EncodeNodes(s.Nodes())
	s.RecomputeAnchorUsage()
	second, _ := EncodeNodes(s.Nodes())
	if first != second {
		t.Errorf("encoding changed after recompute:\n%s\n%s", first, second)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := DecodeNodes("{not json"); err == nil {
		t.Error("DecodeNodes() expected error")
	}
	if _, err := DecodeEdges(`{"id":"x"}`); err == nil {
		t.Error("DecodeEdges(object) expected error")
	}
}

func TestGraphFileRoundTrip(t *testing.T) {
	g := Graph{Nodes: sampleNodes(), Edges: sampleEdges()}

	var buf bytes.Buffer
	if err := WriteGraph(g, &buf); err != nil {
		t.Fatalf("WriteGraph: %v", err)
	}
	path := filepath.Join(t.TempDir(), "diagram.json")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadGraphFile(path)
	if err != nil {
		t.Fatalf("ReadGraphFile: %v", err)
	}
	if diff := cmp.Diff(g, got, ignoreUsage); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestReadGraphFileMissing(t *testing.T) {
	if _, err := ReadGraphFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		graph   Graph
		wantErr error
		wantAny bool
	}{
		{name: "Valid", graph: Graph{Nodes: sampleNodes(), Edges: sampleEdges()}},
		{name: "Empty", graph: Graph{}},
		{
			name:  "DanglingAllowed",
			graph: Graph{Nodes: sampleNodes(), Edges: []Edge{{ID: "x", Source: "a", Target: "gone"}}},
		},
		{name: "EmptyNodeID", graph: Graph{Nodes: []Node{{}}}, wantErr: ErrInvalidNodeID},
		{name: "DuplicateNode", graph: Graph{Nodes: []Node{{ID: "a"}, {ID: "a"}}}, wantErr: ErrDuplicateNodeID},
		{name: "EmptyEdgeID", graph: Graph{Edges: []Edge{{Source: "a"}}}, wantErr: ErrInvalidEdgeID},
		{name: "DuplicateEdge", graph: Graph{Edges: []Edge{{ID: "e"}, {ID: "e"}}}, wantErr: ErrDuplicateEdgeID},
		{name: "BadAnchor", graph: Graph{Edges: []Edge{{ID: "e", SourceAnchor: "x9"}}}, wantAny: true},
		{name: "BadKind", graph: Graph{Edges: []Edge{{ID: "e", Relation: Relation{Kind: "friendship"}}}}, wantAny: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.graph)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
				}
			case tt.wantAny:
				if err == nil {
					t.Error("Validate() expected error")
				}
			default:
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			}
		})
	}
}

func TestToDOT(t *testing.T) {
	nodes := sampleNodes()
	nodes[0].Attributes = []Attribute{{Name: "owner", Type: "Map<K|V>"}}
	edges := sampleEdges()
	edges[0].Relation = Relation{Kind: KindInheritance}
	edges[1].Relation = Relation{Kind: KindComposition, TargetMultiplicity: "1..*"}

	dot := ToDOT(Graph{Nodes: nodes, Edges: edges}, DOTOptions{Attributes: true})

	for _, want := range []string{
		`digraph G {`,
		`"a" [label="{Account|owner : Map\<K\|V\>\l}", pos="0.000,0.000!"]`,
		`"b" [label="{Billing}", pos="4.167,0.000!"]`,
		`"a" -> "b" [tailport=e, headport=w, arrowhead=empty]`,
		`"a" -> "c" [tailport=s, headport=n, dir=both, arrowtail=diamond, arrowhead=none, headlabel="1..*"]`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT missing %q\n%s", want, dot)
		}
	}
}

func TestNormalizeViewBox(t *testing.T) {
	in := []byte(`<svg width="10pt" height="20pt" viewBox="0.00 0.00 100.00 50.00"><g/></svg>`)
	out := string(normalizeViewBox(in))
	if !strings.Contains(out, `viewBox="0 0 100.00 50.00" width="100" height="50"`) {
		t.Errorf("normalizeViewBox() = %s", out)
	}
	if got := normalizeViewBox([]byte("<svg></svg>")); string(got) != "<svg></svg>" {
		t.Errorf("normalizeViewBox without viewBox = %s", got)
	}
}
