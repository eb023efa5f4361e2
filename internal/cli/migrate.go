package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lherron/beehive/internal/db"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the merge state tables in the destination",
		Long: `Migrate applies any pending SQL migrations for the merge state tables
(identity maps, checkpoints, deferred references, sources) to the destination
database.

Migrations are embedded in the beehive binary and tracked via the
beehive_schema_migrations table. This command is safe to run multiple times.
merge runs it implicitly unless --dry-run is given.

Use --dry-run to see which migrations would be applied without running them.
Use --status to show the current migration status.`,
		Args: cobra.NoArgs,
		RunE: withApp(needs{destination: true}, runMigrate),
	}
	cmd.Flags().Bool("dry-run", false, "Show which migrations would be applied without running them")
	cmd.Flags().Bool("status", false, "Show current migration status")
	return cmd
}

func runMigrate(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if status, _ := cmd.Flags().GetBool("status"); status {
		return showMigrationStatus(ctx, out, a.dest)
	}
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return showPendingMigrations(ctx, out, a.dest)
	}

	applied, err := a.dest.Migrate(ctx)
	if err != nil {
		return exitError(ExitFailure, fmt.Errorf("failed to run migrations: %w", err))
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "Database is up to date. No migrations to apply.")
		return nil
	}
	for _, m := range applied {
		fmt.Fprintf(out, "✓ Applied migration: %s\n", m)
	}
	fmt.Fprintf(out, "\nApplied %d migration(s).\n", len(applied))
	return nil
}

func showMigrationStatus(ctx context.Context, out io.Writer, database *db.DB) error {
	applied, pending, err := database.MigrationStatus(ctx)
	if err != nil {
		return exitError(ExitFailure, fmt.Errorf("failed to get migration status: %w", err))
	}

	if len(applied) == 0 && len(pending) == 0 {
		fmt.Fprintln(out, "No migrations found.")
		return nil
	}
	if len(applied) > 0 {
		fmt.Fprintln(out, "Applied migrations:")
		for _, m := range applied {
			fmt.Fprintf(out, "  ✓ %s\n", m)
		}
	}
	if len(pending) > 0 {
		if len(applied) > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, "Pending migrations:")
		for _, m := range pending {
			fmt.Fprintf(out, "  ○ %s\n", m)
		}
	}
	return nil
}

func showPendingMigrations(ctx context.Context, out io.Writer, database *db.DB) error {
	_, pending, err := database.MigrationStatus(ctx)
	if err != nil {
		return exitError(ExitFailure, fmt.Errorf("failed to get migration status: %w", err))
	}

	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending migrations. Database is up to date.")
		return nil
	}
	fmt.Fprintln(out, "Pending migrations (would be applied):")
	for _, m := range pending {
		fmt.Fprintf(out, "  ○ %s\n", m)
	}
	fmt.Fprintf(out, "\nTotal: %d migration(s) would be applied.\n", len(pending))
	return nil
}
