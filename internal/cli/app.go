package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/config"
	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/logging"
	"github.com/lherron/beehive/internal/render"
)

// app holds what a command needs after bootstrap.
type app struct {
	cfg  *config.Config
	log  *zap.Logger
	out  *render.Renderer
	cat  *catalogue.Catalogue
	src  *db.DB
	dest *db.DB
}

// needs says which resources bootstrap opens.
type needs struct {
	catalogue   bool
	source      bool
	destination bool
	// migrated requires the destination to carry the engine state schema.
	migrated bool
}

// Close releases resources held by the app.
// Safe to call multiple times.
func (a *app) Close() {
	if a.src != nil {
		a.src.Close()
		a.src = nil
	}
	if a.dest != nil {
		a.dest.Close()
		a.dest = nil
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// withApp wraps a command's run function with shared bootstrap logic. The
// databases are closed when fn returns.
func withApp(n needs, fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd, n)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd, args)
	}
}

func bootstrap(cmd *cobra.Command, n needs) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, exitError(ExitUsage, fmt.Errorf("failed to load config: %w", err))
	}
	if f := cmd.Flags().Lookup("output"); f != nil && f.Changed {
		cfg.Output = f.Value.String()
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}
	if f := cmd.Flags().Lookup("catalogue"); f != nil && f.Changed {
		cfg.Catalogue = f.Value.String()
	}

	format, err := render.ParseFormat(cfg.Output)
	if err != nil {
		return nil, exitError(ExitUsage, err)
	}
	porcelain, _ := cmd.Flags().GetBool("porcelain")

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, exitError(ExitUsage, err)
	}

	a := &app{cfg: cfg, log: log, out: render.New(cmd.OutOrStdout(), format, porcelain)}

	if n.catalogue {
		cat, err := catalogue.Load(cfg.Catalogue)
		if err != nil {
			a.Close()
			return nil, exitError(ExitUsage, err)
		}
		a.cat = cat
	}
	if n.source {
		if a.src, err = openEndpoint("source", cfg.Source); err != nil {
			a.Close()
			return nil, err
		}
	}
	if n.destination {
		if a.dest, err = openEndpoint("destination", cfg.Destination); err != nil {
			a.Close()
			return nil, err
		}
		if n.migrated {
			if err := a.dest.RequiresMigrationError(cmd.Context()); err != nil {
				a.Close()
				return nil, exitError(ExitFailure, err)
			}
		}
	}
	return a, nil
}

func openEndpoint(name string, info db.ConnInfo) (*db.DB, error) {
	if info.Driver == "" {
		return nil, exitError(ExitUsage, fmt.Errorf("%s database not configured", name))
	}
	h, err := db.Open(info)
	if err != nil {
		return nil, exitError(ExitFailure, fmt.Errorf("failed to open %s database: %w", name, err))
	}
	return h, nil
}
