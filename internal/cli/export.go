package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/diagramsync/pkg/diagram"
	"github.com/matzehuels/diagramsync/pkg/errors"
)

// Export formats.
const (
	formatDOT  = "dot"
	formatSVG  = "svg"
	formatJSON = "json"
)

type exportOptions struct {
	format     string
	output     string
	attributes bool
}

// exportCommand creates the export command.
func (c *CLI) exportCommand() *cobra.Command {
	var opts exportOptions

	cmd := &cobra.Command{
		Use:   "export <project>",
		Short: "Export a stored diagram as DOT, SVG or JSON",
		Long: `Export a stored diagram.

DOT output pins every entity at its editor position and attaches edges at
their anchors. SVG output lays that graph out with Graphviz neato. JSON
output is the diagram's nodes and edges.

Without --output the result is written to stdout. The format defaults to the
output file's extension, or dot.`,
		Example: `  diagramsync export shop > shop.dot
  diagramsync export shop -o shop.svg --attributes
  diagramsync export shop -f json`,
		Args: cobra.ExactArgs(1),
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
			loggerFromContext(ctx).Debug("loaded", "project", args[0], "version", doc.Version)

			if opts.output == "" {
				return writeExport(ctx, cmd.OutOrStdout(), doc.Graph(), opts)
			}
			if err := exportFile(ctx, doc.Graph(), opts); err != nil {
				return err
			}
			printSuccess("Exported %s", StyleHighlight.Render(args[0]))
			printFile(opts.output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "output format: dot, svg or json")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&opts.attributes, "attributes", false, "list entity attributes in DOT and SVG")

	return cmd
}

// exportFormat picks the explicit format, else the output extension, else DOT.
func exportFormat(opts exportOptions) (string, error) {
	format := opts.format
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(opts.output), ".")
		if format == "" || format == "gv" {
			format = formatDOT
		}
	}
	switch format {
	case formatDOT, formatSVG, formatJSON:
		return format, nil
	}
	return "", errors.New(errors.ErrCodeInvalidInput, "unknown export format %q", format)
}

func exportFile(ctx context.Context, g diagram.Graph, opts exportOptions) error {
	if dir := filepath.Dir(opts.output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(errors.ErrCodeInternal, err, "create %s", dir)
		}
	}
	f, err := os.Create(opts.output)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "create %s", opts.output)
	}
	if err := writeExport(ctx, f, g, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeExport(ctx context.Context, w io.Writer, g diagram.Graph, opts exportOptions) error {
	format, err := exportFormat(opts)
	if err != nil {
		return err
	}

	var data []byte
	switch format {
	case formatJSON:
		if data, err = diagram.MarshalGraph(g); err != nil {
			return errors.Wrap(errors.ErrCodeInternal, err, "encode graph")
		}
	case formatSVG:
		dot := diagram.ToDOT(g, diagram.DOTOptions{Attributes: opts.attributes})
		if data, err = diagram.RenderSVG(ctx, dot); err != nil {
			return errors.Wrap(errors.ErrCodeInternal, err, "render svg")
		}
	default:
		data = []byte(diagram.ToDOT(g, diagram.DOTOptions{Attributes: opts.attributes}))
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "write export")
	}
	return nil
}
