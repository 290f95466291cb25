// Package cli defines the postman command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/postman/internal/app"
	"github.com/dmitrymomot/postman/internal/config"
	"github.com/dmitrymomot/postman/pkg/logger"
)

var version = "dev"

// state is shared by subcommands once the root pre-run has loaded configuration.
type state struct {
	cfg config.Config
	log *slog.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	st := &state{}

	root := &cobra.Command{
		Use:   "postman",
		Short: "Scheduled email delivery with per-sender hourly limits",
		Long: `postman stores email intents in Postgres, holds their dispatch entries in Redis
and delivers them when due, never exceeding the hourly cap of any sender
across all running workers.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st.cfg = cfg
			st.log = logger.New(cfg.Logger)
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(st),
		newWorkerCmd(st),
		newRecoverCmd(st),
		newMigrateCmd(st),
	)
	return root
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// open connects the shared components for a subcommand.
func (st *state) open(ctx context.Context) (*app.App, error) {
	return app.New(ctx, st.cfg, st.log)
}
