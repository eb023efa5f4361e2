package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beehive",
		Short: "Merge OpenMRS databases into a central instance",
		Long: `beehive moves the rows of a source OpenMRS database into a destination
database, assigning new primary keys and rewriting every foreign key through
a persisted identity map. Runs are checkpointed per phase and resume where
an interrupted attempt stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/beehive/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format: table, json, yaml or tsv")
	rootCmd.PersistentFlags().Bool("porcelain", false, "Stable machine-readable output")
	rootCmd.PersistentFlags().String("catalogue", "", "Catalogue file (default: built-in OpenMRS catalogue)")

	rootCmd.AddCommand(
		newMergeCmd(),
		newStatusCmd(),
		newVerifyCmd(),
		newPlanCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command
func Execute(ctx context.Context, args []string) error {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}
