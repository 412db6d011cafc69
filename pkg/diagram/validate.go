package diagram

import (
	"fmt"

	"github.com/matzehuels/diagramsync/pkg/anchor"
)

// Validate checks the structural rules of a received or loaded graph: IDs are
// present and unique, anchors and relation kinds are known. Edges pointing at
// missing nodes are allowed; anchor usage ignores them.
func Validate(g Graph) error {
	seen := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node %d: %w", i, ErrInvalidNodeID)
		}
		if seen[n.ID] {
			return fmt.Errorf("node %s: %w", n.ID, ErrDuplicateNodeID)
		}
		seen[n.ID] = true
	}

	edgeSeen := make(map[string]bool, len(g.Edges))
	for i, e := range g.Edges {
		if e.ID == "" {
			return fmt.Errorf("edge %d: %w", i, ErrInvalidEdgeID)
		}
		if edgeSeen[e.ID] {
			return fmt.Errorf("edge %s: %w", e.ID, ErrDuplicateEdgeID)
		}
		edgeSeen[e.ID] = true
		if err := validateAnchor(e.SourceAnchor); err != nil {
			return fmt.Errorf("edge %s source: %w", e.ID, err)
		}
		if err := validateAnchor(e.TargetAnchor); err != nil {
			return fmt.Errorf("edge %s target: %w", e.ID, err)
		}
		if !e.Relation.Kind.Valid() {
			return fmt.Errorf("edge %s: unknown relation kind %q", e.ID, e.Relation.Kind)
		}
	}
	return nil
}

func validateAnchor(id anchor.ID) error {
	if id == "" || id.Valid() {
		return nil
	}
	return fmt.Errorf("unknown anchor %q", id)
}
