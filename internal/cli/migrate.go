package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pitabwire/detention-letters/internal/store"
)

// migrator is implemented by stores whose schema is applied on request.
type migrator interface {
	Migrate(ctx context.Context) error
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the order and history schema to the configured store",
		Long: `Create the order, product line, history and user tables.

PostgreSQL migrations are applied in file name order. SQLite
applies its schema whenever the database is opened, and the memory store
has no schema.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), rootOpts, cmd.OutOrStdout())
		},
	}
}

func runMigrate(ctx context.Context, rootOpts *RootOptions, out io.Writer) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer st.Close()

	status := "up to date"
	if m, ok := st.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return WrapExitError(ExitFailure, "migrate", err)
		}
		status = "migrated"
	}

	result := map[string]string{"driver": cfg.Store.Driver, "status": status}
	return writeOutput(out, rootOpts.Format, result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s store %s\n", cfg.Store.Driver, status)
		return err
	})
}
