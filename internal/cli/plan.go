package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/render"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Validate and print the phase plan",
		Long: `Plan validates the catalogue and prints its phases in execution order.
Use --catalogue to check a custom catalogue before running it.`,
		Args: cobra.NoArgs,
		RunE: withApp(needs{catalogue: true}, runPlan),
	}
}

func runPlan(_ context.Context, a *app, _ *cobra.Command, _ []string) error {
	if err := a.cat.Validate(); err != nil {
		return exitError(ExitUsage, err)
	}

	t := render.Table{Headers: []string{"PHASE", "ACTION", "ENTITY", "TABLE", "OPTIONS"}}
	for _, p := range a.cat.Phases {
		for _, s := range p.Steps {
			table := s.Entity
			if e, ok := a.cat.Entity(s.Entity); ok {
				table = e.Table
			}
			t.Append(p.Name, s.Action, s.Entity, table, stepOptions(s))
		}
	}
	return a.out.Render(a.cat.Phases, t)
}

func stepOptions(s catalogue.Step) string {
	var opts []string
	if s.MatchOnly {
		opts = append(opts, "match-only")
	}
	if s.Where != "" {
		opts = append(opts, "where="+s.Where)
	}
	if len(s.Columns) > 0 {
		opts = append(opts, "columns="+strings.Join(s.Columns, ","))
	}
	if s.SubTransactionRows > 0 {
		opts = append(opts, fmt.Sprintf("sub-tx=%d", s.SubTransactionRows))
	}
	if s.Workers > 0 {
		opts = append(opts, fmt.Sprintf("workers=%d", s.Workers))
	}
	if s.PageSize > 0 {
		opts = append(opts, fmt.Sprintf("page=%d", s.PageSize))
	}
	if len(opts) == 0 {
		return "-"
	}
	return strings.Join(opts, " ")
}
