package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/config"
	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Config   string // path to the YAML config file
	Database string // overrides database.path
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the eventcore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "eventcore",
		Short: "eventcore - event stream processing engine",
		Long: `Runs stream processors over the event streams of a SQLite event log.

Each processor consumes one stream at least once, in stream order, and
records its position, failures and retries in the database so processing
resumes where it stopped.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides database.path)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRepositionCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig loads the configuration and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	return cfg, nil
}

// newLogger returns a text logger at the configured level. --verbose lowers
// the level to debug.
func newLogger(opts *RootOptions, cfg config.Config, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openStore loads the configuration and opens the configured database.
// Callers close the store.
func openStore(opts *RootOptions, formatter *OutputFormatter) (config.Config, *store.Store, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return config.Config{}, nil, formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	formatter.VerboseLog("Opening database %s", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return config.Config{}, nil, formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	return cfg, st, nil
}

// tenantOrDefault returns tenant, or the first configured tenant when empty.
func tenantOrDefault(tenant string, cfg config.Config) model.TenantID {
	if tenant != "" {
		return model.TenantID(tenant)
	}
	return cfg.TenantIDs()[0]
}
