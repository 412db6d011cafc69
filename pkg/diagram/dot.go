package diagram

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-graphviz"

	"github.com/matzehuels/diagramsync/pkg/anchor"
)

// pointsPerInch converts diagram coordinates to the inch-based pos attribute
// neato expects.
const pointsPerInch = 72.0

// DOTOptions configures Graphviz export.
type DOTOptions struct {
	// Attributes includes the attribute list in each entity box.
	// When false, only the label is shown.
	Attributes bool
}

// ToDOT converts a graph to Graphviz DOT. Node positions are pinned so the
// neato layout reproduces the editor layout, and edge ports follow the
// anchors the edges are attached to.
func ToDOT(g Graph, opts DOTOptions) string {
	var buf bytes.Buffer
	buf.WriteString("digraph G {\n")
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  splines=true;\n")
	buf.WriteString("  node [shape=record, style=filled, fillcolor=white, fontsize=12];\n")
	buf.WriteString("\n")

	for _, n := range g.Nodes {
		fmt.Fprintf(&buf, "  %q [label=\"%s\", pos=\"%s!\"];\n",
			n.ID, recordLabel(n, opts.Attributes), fmtPos(n.Position))
	}

	buf.WriteString("\n")
	for _, e := range g.Edges {
		attrs := edgeAttrs(e)
		fmt.Fprintf(&buf, "  %q -> %q [%s];\n", e.Source, e.Target, strings.Join(attrs, ", "))
	}

	buf.WriteString("}\n")
	return buf.String()
}

func fmtPos(p Position) string {
	// Graphviz y grows upward; the editor's grows downward.
	x, y := p.X/pointsPerInch, -p.Y/pointsPerInch
	if y == 0 {
		y = 0 // no "-0.000"
	}
	return strconv.FormatFloat(x, 'f', 3, 64) + "," + strconv.FormatFloat(y, 'f', 3, 64)
}

var recordEscaper = strings.NewReplacer(
	`\`, `\\`, `"`, `\"`, `{`, `\{`, `}`, `\}`, `|`, `\|`, `<`, `\<`, `>`, `\>`,
)

func recordLabel(n Node, withAttrs bool) string {
	title := recordEscaper.Replace(n.DisplayLabel())
	if !withAttrs || len(n.Attributes) == 0 {
		return "{" + title + "}"
	}
	var body strings.Builder
	for _, a := range n.Attributes {
		body.WriteString(recordEscaper.Replace(a.Name))
		if a.Type != "" {
			body.WriteString(" : ")
			body.WriteString(recordEscaper.Replace(a.Type))
		}
		body.WriteString(`\l`)
	}
	return "{" + title + "|" + body.String() + "}"
}

func edgeAttrs(e Edge) []string {
	var attrs []string
	if port := anchorPort(e.SourceAnchor); port != "" {
		attrs = append(attrs, "tailport="+port)
	}
	if port := anchorPort(e.TargetAnchor); port != "" {
		attrs = append(attrs, "headport="+port)
	}

	switch e.Relation.EffectiveKind() {
	case KindInheritance:
		attrs = append(attrs, "arrowhead=empty")
	case KindComposition:
		attrs = append(attrs, "dir=both", "arrowtail=diamond", "arrowhead=none")
	case KindAggregation:
		attrs = append(attrs, "dir=both", "arrowtail=odiamond", "arrowhead=none")
	case KindDependency:
		attrs = append(attrs, "style=dashed", "arrowhead=vee")
	default:
		attrs = append(attrs, associationArrows(e.Relation.Direction)...)
	}

	if e.Relation.SourceMultiplicity != "" {
		attrs = append(attrs, fmt.Sprintf("taillabel=%q", e.Relation.SourceMultiplicity))
	}
	if e.Relation.TargetMultiplicity != "" {
		attrs = append(attrs, fmt.Sprintf("headlabel=%q", e.Relation.TargetMultiplicity))
	}
	if e.Relation.Label != "" {
		attrs = append(attrs, fmt.Sprintf("label=%q", e.Relation.Label))
	}
	return attrs
}

func associationArrows(d Direction) []string {
	switch d {
	case DirectionForward:
		return []string{"arrowhead=vee"}
	case DirectionBackward:
		return []string{"dir=back", "arrowtail=vee"}
	case DirectionBoth:
		return []string{"dir=both", "arrowhead=vee", "arrowtail=vee"}
	default:
		return []string{"arrowhead=none"}
	}
}

func anchorPort(id anchor.ID) string {
	if !id.Valid() {
		return ""
	}
	return id.Compass()
}

// RenderSVG lays out a DOT graph with neato and renders it to SVG.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.NEATO)

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return normalizeViewBox(buf.Bytes()), nil
}

var (
	svgTagRe  = regexp.MustCompile(`<svg[^>]*>`)
	viewBoxRe = regexp.MustCompile(`viewBox="([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)"`)
)

// normalizeViewBox rewrites the root svg tag so the drawing scales with its
// container.
func normalizeViewBox(svg []byte) []byte {
	match := viewBoxRe.FindSubmatch(svg)
	if match == nil {
		return svg
	}
	w, _ := strconv.ParseFloat(string(match[3]), 64)
	h, _ := strconv.ParseFloat(string(match[4]), 64)
	if w == 0 || h == 0 {
		return svg
	}
	tag := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %.2f %.2f" width="%.0f" height="%.0f">`, w, h, w, h)
	return svgTagRe.ReplaceAll(svg, []byte(tag))
}
