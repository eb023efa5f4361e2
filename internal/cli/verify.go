package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/beehive/internal/render"
	"github.com/lherron/beehive/internal/verify"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that moved rows are present in the destination",
		Long: `Verify compares, for every moved entity with a uuid column, the source rows
selected by the phase plan against the destination by uuid. Missing rows are
listed and the per-entity counts are shown as a unified diff.

Exits with status 4 when rows are missing.`,
		Args: cobra.NoArgs,
		RunE: withApp(needs{catalogue: true, source: true, destination: true}, runVerify),
	}
	cmd.Flags().Int("max-missing", verify.DefaultMaxMissing, "Missing rows listed per entity")
	return cmd
}

func runVerify(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
	maxMissing, _ := cmd.Flags().GetInt("max-missing")
	res, err := verify.New(a.cat, a.src, a.dest,
		verify.WithMaxMissing(maxMissing),
		verify.WithWorkers(a.cfg.Workers),
		verify.WithLogger(a.log),
	).Run(ctx)
	if err != nil {
		return exitError(ExitFailure, err)
	}

	if a.out.Format() != render.FormatTable {
		counts := render.Table{Headers: []string{"ENTITY", "EXPECTED", "PRESENT"}}
		for _, c := range res.Counts {
			counts.Append(c.Entity, c.Expected, c.Present)
		}
		if err := a.out.Render(res, counts); err != nil {
			return exitError(ExitFailure, err)
		}
	} else if err := printVerify(cmd, a.out, res); err != nil {
		return exitError(ExitFailure, err)
	}

	if !res.OK() {
		return exitError(ExitMismatch, fmt.Errorf("%d row(s) missing from the destination", missingRows(res)))
	}
	return nil
}

func printVerify(cmd *cobra.Command, out *render.Renderer, res *verify.Result) error {
	w := cmd.OutOrStdout()
	if res.OK() {
		for _, c := range res.Counts {
			fmt.Fprintf(w, "✓ %s: %d/%d\n", c.Entity, c.Present, c.Expected)
		}
		for _, s := range res.Skipped {
			fmt.Fprintf(w, "○ %s: table missing, skipped\n", s)
		}
		return nil
	}

	missing := render.Table{Headers: []string{"ENTITY", "ID", "UUID"}}
	for _, m := range res.Missing {
		missing.Append(m.Entity, m.ID, m.UUID)
	}
	if err := out.RenderTable(missing.Headers, missing.Rows); err != nil {
		return err
	}
	diff, err := res.Diff()
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, diff)
	return nil
}

func missingRows(res *verify.Result) int64 {
	var n int64
	for _, c := range res.Counts {
		n += c.Expected - c.Present
	}
	return n
}
