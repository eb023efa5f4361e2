package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/beehive/internal/config"
	"github.com/lherron/beehive/internal/engine"
	"github.com/lherron/beehive/internal/events"
	"github.com/lherron/beehive/internal/metrics"
	"github.com/lherron/beehive/internal/notify"
	"github.com/lherron/beehive/internal/render"
	"github.com/lherron/beehive/internal/report"
)

func newMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge the source database into the destination",
		Long: `Merge runs the phase plan of the catalogue against the configured source
and destination databases.

Every moved row gets a new destination key and its references are rewritten
through the identity map. Rows whose uuid already exists in the destination
are skipped and mapped to the existing row. Progress is checkpointed in the
destination; rerunning an interrupted merge resumes after the last passed
phase, and rerunning a finished one is rejected.

Use --dry-run to run every phase inside one transaction that is rolled back.`,
		Args: cobra.NoArgs,
		RunE: withApp(needs{catalogue: true}, runMerge),
	}

	f := cmd.Flags()
	f.String("source-id", "", "Identifier of the source across attempts (default: source database name)")
	f.Bool("dry-run", false, "Run every phase and roll back")
	f.Bool("persist", true, "Persist identity maps and checkpoints (required to resume)")
	f.Bool("exclude-uuid-matches", true, "Skip source rows whose uuid exists in the destination")
	f.Int("batch-size", 0, "Rows per page")
	f.Int("sub-transaction-rows", 0, "Rows per sub-transaction for steps that commit in slices")
	f.Int("workers", 0, "Workers for parallel steps without their own setting")
	f.String("report", "", "Write the run report to a path or s3://bucket/key")
	f.String("metrics-file", "", "Write Prometheus metrics to a textfile")
	f.StringSlice("notify", nil, "POST progress events to these URLs")
	return cmd
}

// applyMergeFlags overrides cfg with the flags given on the command line.
func applyMergeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("source-id") {
		cfg.SourceID, _ = f.GetString("source-id")
	}
	if f.Changed("dry-run") {
		cfg.DryRun, _ = f.GetBool("dry-run")
	}
	if f.Changed("persist") {
		cfg.Persist, _ = f.GetBool("persist")
	}
	if f.Changed("exclude-uuid-matches") {
		cfg.ExcludeUUIDMatches, _ = f.GetBool("exclude-uuid-matches")
	}
	if f.Changed("batch-size") {
		cfg.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("sub-transaction-rows") {
		cfg.SubTransactionRows, _ = f.GetInt("sub-transaction-rows")
	}
	if f.Changed("workers") {
		cfg.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("report") {
		cfg.Report, _ = f.GetString("report")
	}
	if f.Changed("metrics-file") {
		cfg.MetricsFile, _ = f.GetString("metrics-file")
	}
	if f.Changed("notify") {
		cfg.NotifyURLs, _ = f.GetStringSlice("notify")
	}
}

func runMerge(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
	cfg := a.cfg
	applyMergeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return exitError(ExitUsage, err)
	}
	if err := a.cat.Validate(); err != nil {
		return exitError(ExitUsage, err)
	}

	var err error
	if a.src, err = openEndpoint("source", cfg.Source); err != nil {
		return err
	}
	if a.dest, err = openEndpoint("destination", cfg.Destination); err != nil {
		return err
	}

	// A dry run must not leave anything behind, state tables included.
	if cfg.DryRun {
		if err := a.dest.RequiresMigrationError(ctx); err != nil {
			return exitError(ExitFailure, err)
		}
	} else {
		applied, err := a.dest.Migrate(ctx)
		if err != nil {
			return exitError(ExitFailure, fmt.Errorf("failed to migrate destination database: %w", err))
		}
		if len(applied) > 0 {
			a.log.Info("applied state migrations", zap.Strings("migrations", applied))
		}
	}

	var sink report.Sink
	if cfg.Report != "" {
		if sink, err = report.Open(ctx, cfg.Report, cfg.S3); err != nil {
			return exitError(ExitUsage, err)
		}
	}

	m := metrics.New()
	n := notify.New(cfg.NotifyURLs, notify.WithLogger(a.log))
	defer n.Close()

	eng := engine.New(a.src, a.dest, a.cat, engine.Options{
		Source:             cfg.SourceID,
		PageSize:           cfg.BatchSize,
		SubTxRows:          cfg.SubTransactionRows,
		Workers:            cfg.Workers,
		Persist:            cfg.Persist,
		DryRun:             cfg.DryRun,
		ExcludeUUIDMatches: cfg.ExcludeUUIDMatches,
	},
		engine.WithLogger(a.log),
		engine.WithObserver(events.Log(a.log)),
		engine.WithObserver(m),
		engine.WithObserver(n),
	)

	res, runErr := eng.Run(ctx)
	rep := report.FromResult(res)
	if sink != nil {
		if err := sink.Write(ctx, rep); err != nil {
			a.log.Error("failed to write report", zap.String("target", sink.Location()), zap.Error(err))
		} else {
			a.log.Info("report written", zap.String("target", sink.Location()))
		}
	}
	if cfg.MetricsFile != "" {
		if err := m.WriteFile(cfg.MetricsFile); err != nil {
			a.log.Error("failed to write metrics", zap.String("path", cfg.MetricsFile), zap.Error(err))
		}
	}

	if err := printMergeSummary(cmd, a.out, rep); err != nil {
		return exitError(ExitFailure, err)
	}
	if runErr != nil {
		return runError(runErr)
	}
	return nil
}

func printMergeSummary(cmd *cobra.Command, out *render.Renderer, rep *report.Report) error {
	entities := render.Table{Headers: []string{"ENTITY", "CONSOLIDATED", "INSERTED", "EXCLUDED", "DEFERRED", "RESOLVED", "UNRESOLVED", "NULLED"}}
	for _, e := range rep.Entities {
		entities.Append(e.Name, e.Consolidated, e.Inserted, e.Excluded, e.Deferred, e.Resolved, e.Unresolved, e.Nulled)
	}
	if out.Format() != render.FormatTable {
		return out.Render(rep, entities)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Merge %s (attempt %s): %s in %s\n", rep.Source, rep.Attempt, rep.Status, rep.Duration)
	if rep.DryRun {
		fmt.Fprintln(w, "Mode: dry-run (rolled back)")
	}
	if rep.Resumed {
		fmt.Fprintln(w, "Resumed an interrupted attempt")
	}
	fmt.Fprintln(w)

	phases := render.Table{Headers: []string{"PHASE", "STATUS", "ROWS", "DURATION"}}
	for _, p := range rep.Phases {
		status := p.Status
		switch {
		case p.Skipped:
			status += " (skipped)"
		case p.Resumed:
			status += " (resumed)"
		}
		phases.Append(p.Name, status, p.Rows, p.Duration)
	}
	if err := out.RenderTable(phases.Headers, phases.Rows); err != nil {
		return err
	}
	fmt.Fprintln(w)
	if err := out.RenderTable(entities.Headers, entities.Rows); err != nil {
		return err
	}
	if n := len(rep.Unresolved); n > 0 {
		fmt.Fprintf(w, "\n%d unresolved reference(s) reported; see the run report for details\n", n)
	}
	return nil
}
