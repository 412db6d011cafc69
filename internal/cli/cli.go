package cli

import (
	"context"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/diagramsync/internal/config"
	"github.com/matzehuels/diagramsync/pkg/buildinfo"
	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/persist"
	"github.com/matzehuels/diagramsync/pkg/transport"
	"github.com/matzehuels/diagramsync/pkg/transport/redis"
	"github.com/matzehuels/diagramsync/pkg/transport/ws"
)

// =============================================================================
// Constants
// =============================================================================

// appName is the application name used for directories and display.
const appName = "diagramsync"

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	configPath string
	verbose    bool
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "diagramsync keeps entity diagrams in sync across editing sessions",
		Long: `diagramsync runs the relay server that connects collaborative diagram
editors, joins sessions as a headless collaborator, and exports stored
diagrams.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.verbose {
				c.SetLogLevel(LogDebug)
			}
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default ./"+config.DefaultPath+" if present)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(c.serveCommand())
	root.AddCommand(c.joinCommand())
	root.AddCommand(c.exportCommand())
	root.AddCommand(c.anchorsCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// loadConfig reads the configuration and applies its log level unless
// --verbose asked for debug output.
func (c *CLI) loadConfig() (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if !c.verbose {
		c.SetLogLevel(cfg.LogLevel())
	}
	return cfg, nil
}

// =============================================================================
// Factories
// =============================================================================

// openStore opens the persistence backend selected by cfg.
func openStore(ctx context.Context, cfg config.Config) (persist.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return persist.NewMemory(), nil
	case config.BackendFile:
		return persist.NewFile(cfg.Storage.Dir)
	case config.BackendMongo:
		return persist.NewMongo(ctx, persist.MongoOptions{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
	}
	return nil, errors.New(errors.ErrCodeUnsupported, "storage backend %q", cfg.Storage.Backend)
}

// openBackplane returns the channel the relay server fans messages out on.
func openBackplane(cfg config.Config, logger *log.Logger) (transport.Channel, error) {
	switch cfg.Server.Backplane {
	case config.TransportMemory:
		return transport.NewHub(logger).Channel(), nil
	case config.TransportRedis:
		return redis.Dial(cfg.Redis.URL, redis.Options{Logger: logger})
	}
	return nil, errors.New(errors.ErrCodeUnsupported, "backplane %q", cfg.Server.Backplane)
}

// openChannel returns the channel a joining session talks through.
func openChannel(cfg config.Config, logger *log.Logger) (transport.Channel, error) {
	switch cfg.Client.Transport {
	case config.TransportWS:
		return ws.Dial(cfg.Client.URL, ws.Options{
			Logger: logger,
			Header: http.Header{"User-Agent": {buildinfo.UserAgent()}},
		})
	case config.TransportRedis:
		return redis.Dial(cfg.Redis.URL, redis.Options{Logger: logger})
	}
	return nil, errors.New(errors.ErrCodeUnsupported, "transport %q", cfg.Client.Transport)
}
