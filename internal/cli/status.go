package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lherron/beehive/internal/render"
	"github.com/lherron/beehive/internal/state"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List the sources merged into the destination",
		Long: `Status lists every source recorded in the destination with its latest
attempt and the last phase checkpoint of that attempt.`,
		Args: cobra.NoArgs,
		RunE: withApp(needs{destination: true, migrated: true}, runStatus),
	}
}

func runStatus(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
	sources, err := state.Sources(ctx, a.dest)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	if len(sources) == 0 && a.out.Format() == render.FormatTable {
		fmt.Fprintln(cmd.OutOrStdout(), "No sources merged.")
		return nil
	}

	t := render.Table{Headers: []string{"SOURCE", "ATTEMPT", "ATTEMPTS", "STARTED", "FINISHED", "PHASE", "PASSED", "ROWS"}}
	for _, s := range sources {
		finished, phase, passed, rows := "-", "-", "-", "-"
		if s.FinishedAt != nil {
			finished = s.FinishedAt.Format(time.RFC3339)
		}
		if s.Last != nil {
			phase = s.Last.Phase
			passed = fmt.Sprint(s.Last.Passed)
			rows = fmt.Sprint(s.Last.RowsDone)
		}
		t.Append(s.Source, s.Attempt, s.Attempts, s.StartedAt.Format(time.RFC3339), finished, phase, passed, rows)
	}
	if sources == nil {
		sources = []state.SourceStatus{}
	}
	return a.out.Render(sources, t)
}
