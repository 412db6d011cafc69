package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/diagramsync/pkg/anchor"
	"github.com/matzehuels/diagramsync/pkg/diagram"
)

var anchorHeaders = []string{"Entity", "Out", "In", "Free out", "Free in", "Outgoing anchors", "Incoming anchors"}

// Columns of anchorHeaders highlighted when a node has no anchor left.
const (
	colFreeOut = 3
	colFreeIn  = 4
)

// anchorsCommand creates the anchors command.
func (c *CLI) anchorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "anchors <project>",
		Short: "Show anchor usage per entity",
		Long: `Show how many relations attach to each entity and at which anchors.

Every entity has twelve anchors per direction. New relations are placed on
free anchors; an entity with no free anchor left gets its anchors shared.`,
		Example: `  diagramsync anchors shop`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			doc, err := store.Load(ctx, args[0])
			if err != nil {
				return err
			}
			if len(doc.Nodes) == 0 {
				printWarning("%s has no entities", args[0])
				return nil
			}
			return writeTable(cmd.OutOrStdout(), anchorHeaders, anchorRows(doc.Graph()), colFreeOut, colFreeIn)
		},
	}
}

// anchorRows derives one table row per node, in graph order.
func anchorRows(g diagram.Graph) [][]string {
	st := diagram.NewStore()
	st.Replace(g.Nodes, g.Edges)

	nodes := st.Nodes()
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		out, in := n.AnchorUsage.Source, n.AnchorUsage.Target
		rows = append(rows, []string{
			n.DisplayLabel(),
			strconv.Itoa(out.Total()),
			strconv.Itoa(in.Total()),
			strconv.Itoa(len(out.Free())),
			strconv.Itoa(len(in.Free())),
			usedAnchors(out),
			usedAnchors(in),
		})
	}
	return rows
}

// usedAnchors lists the occupied anchors in enumeration order, with a count
// for shared ones: "r1 t1x2".
func usedAnchors(u anchor.Usage) string {
	var parts []string
	for _, id := range anchor.All() {
		switch n := u[id]; {
		case n == 1:
			parts = append(parts, string(id))
		case n > 1:
			parts = append(parts, string(id)+"x"+strconv.Itoa(n))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
