package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matzehuels/diagramsync/internal/config"
	"github.com/matzehuels/diagramsync/pkg/action"
	"github.com/matzehuels/diagramsync/pkg/collab"
	"github.com/matzehuels/diagramsync/pkg/persist"
)

// leaveTimeout bounds the final save and snapshot when leaving a session.
const leaveTimeout = 10 * time.Second

type joinOptions struct {
	actions string
	once    bool
	save    bool
	noLoad  bool
}

// joinCommand creates the join command, a headless session collaborator.
func (c *CLI) joinCommand() *cobra.Command {
	var opts joinOptions

	cmd := &cobra.Command{
		Use:   "join [project]",
		Short: "Join a project session as a headless collaborator",
		Long: `Join a project's editing session.

The stored diagram is loaded first, then the session connects through the
configured transport (a relay server or Redis directly) and stays in sync
with the other editors until interrupted. An action file applies scripted
edits as if a user had made them.`,
		Example: `  diagramsync join shop
  diagramsync join shop --actions seed.json --once --save
  diagramsync join --config team.toml -v`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Client.Project = args[0]
			}
			if err := cfg.ValidateClient(); err != nil {
				return err
			}
			return c.runJoin(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.actions, "actions", "a", "", "JSON file of actions to apply after joining")
	cmd.Flags().BoolVar(&opts.once, "once", false, "leave right after joining and applying actions")
	cmd.Flags().BoolVar(&opts.save, "save", false, "save the diagram to storage when leaving")
	cmd.Flags().BoolVar(&opts.noLoad, "no-load", false, "start from an empty diagram instead of the stored one")

	return cmd
}

func (c *CLI) runJoin(ctx context.Context, cfg config.Config, opts joinOptions) error {
	logger := loggerFromContext(ctx)

	// Read the script up front so a bad file fails before anything connects.
	var ops []action.Op
	if opts.actions != "" {
		var err error
		if ops, err = action.ReadFile(opts.actions); err != nil {
			return err
		}
	}

	var store persist.Store
	if !opts.noLoad || opts.save {
		var err error
		if store, err = openStore(ctx, cfg); err != nil {
			return err
		}
		defer store.Close()
	}

	ch, err := openChannel(cfg, logger.WithPrefix("transport"))
	if err != nil {
		return err
	}
	defer ch.Close()

	engine, err := collab.New(ch, collab.Options{
		ProjectID:      cfg.Client.Project,
		Name:           cfg.Client.Name,
		ClientID:       cfg.Client.ClientID,
		SnapshotDelay:  cfg.Sync.SnapshotDelay.Std(),
		CursorInterval: cfg.Sync.CursorInterval.Std(),
		Logger:         logger.WithPrefix("session"),
	})
	if err != nil {
		return err
	}
	defer engine.Stop()

	if !opts.noLoad {
		if err := engine.Load(ctx, store); err != nil {
			return err
		}
		g := engine.Graph()
		printInfo("Loaded %s", StyleHighlight.Render(cfg.Client.Project))
		printStats(len(g.Nodes), len(g.Edges), engine.Session().LastKnownVersion)
	}

	sp := newSpinner(ctx, os.Stderr, "Connecting to "+channelLabel(cfg)).start()
	err = engine.Start(ctx)
	sp.stop()
	if err != nil {
		return err
	}
	printSuccess("Joined as %s", StyleValue.Render(engine.ClientID()))

	if len(ops) > 0 {
		prog := newProgress(logger)
		n, err := action.Apply(engine, ops)
		if err != nil {
			return err
		}
		prog.done(pluralize(n, "action", "actions") + " applied")
	}

	if !opts.once {
		printDetail("Press Ctrl+C to leave")
		<-ctx.Done()
	}
	return leave(engine, store, opts)
}

// leave publishes or saves the final state. It runs after ctx may already be
// cancelled, so it uses its own deadline.
func leave(engine *collab.Engine, store persist.Store, opts joinOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	if opts.save {
		version, err := engine.Save(ctx, store)
		if err != nil {
			return err
		}
		printSuccess("Saved version %s", StyleNumber.Render(formatInt(version)))
		return nil
	}
	if engine.State() == collab.StateConnected {
		// Flushes a debounced edit instead of dropping it.
		if err := engine.PublishSnapshot(ctx); err != nil {
			return err
		}
	}
	printSuccess("Left session")
	return nil
}
