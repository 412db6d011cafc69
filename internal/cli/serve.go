package cli

import (
	"github.com/spf13/cobra"

	"github.com/matzehuels/diagramsync/internal/server"
)

// serveCommand creates the serve command, which runs the relay server.
func (c *CLI) serveCommand() *cobra.Command {
	var (
		addr       string
		noAutosave bool
		noMetrics  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration relay server",
		Long: `Run the websocket relay server.

Editors connect to /ws and exchange snapshot and cursor messages per
project. Snapshots are autosaved to the configured storage backend once a
project has been quiet for server.autosave_delay. Stored diagrams are also
available at /api/projects/{id}/diagram.`,
		Example: `  diagramsync serve
  diagramsync serve --addr :9000
  DIAGRAMSYNC_BACKPLANE=redis DIAGRAMSYNC_REDIS_URL=redis://localhost:6379 diagramsync serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			backplane, err := openBackplane(cfg, logger.WithPrefix("backplane"))
			if err != nil {
				return err
			}
			defer backplane.Close()

			opts := server.Options{
				Backplane:     backplane,
				Store:         store,
				AutosaveDelay: cfg.Server.AutosaveDelay.Std(),
				Logger:        logger,
			}
			if noAutosave {
				opts.AutosaveDelay = -1
			}
			if !noMetrics {
				opts.Metrics = server.NewMetrics()
				opts.Metrics.Install()
			}
			srv, err := server.New(opts)
			if err != nil {
				return err
			}

			printInfo("Relay server on %s", StyleHighlight.Render(cfg.Server.Addr))
			printKeyValue("storage", storageLabel(cfg))
			printKeyValue("backplane", cfg.Server.Backplane)
			if opts.AutosaveDelay > 0 {
				printKeyValue("autosave", opts.AutosaveDelay.String())
			} else {
				printKeyValue("autosave", "off")
			}

			if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
				return err
			}
			printSuccess("Server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noAutosave, "no-autosave", false, "do not persist relayed snapshots")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "do not serve /metrics")

	return cmd
}
