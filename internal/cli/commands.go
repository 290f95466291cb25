package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/postman/internal/app"
)

func newServeCmd(st *state) *cobra.Command {
	var (
		dispatch bool
		migrate  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API and the periodic reconcile task. With --dispatch (the default)
the dispatcher runs in the same process; disable it when dedicated workers are deployed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				st.cfg.HTTPAddress = addr
			}

			a, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			if migrate {
				if err := a.Migrate(cmd.Context()); err != nil {
					return errors.Join(err, a.Close(context.WithoutCancel(cmd.Context())))
				}
			}
			return a.Serve(cmd.Context(), app.ServeOptions{Dispatch: dispatch})
		},
	}

	cmd.Flags().String("listen", "", "HTTP listen address (overrides HTTP_ADDRESS)")
	cmd.Flags().BoolVar(&dispatch, "dispatch", true, "run the dispatcher in this process")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before starting")
	return cmd
}

func newWorkerCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the dispatcher without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			return a.Work(cmd.Context())
		},
	}
}

func newRecoverCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Re-enqueue scheduled emails missing from the dispatch queue",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close(context.WithoutCancel(cmd.Context()))) }()

			n, err := a.Recover(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d scheduled emails\n", n)
			if err != nil {
				st.log.ErrorContext(cmd.Context(), "reconcile finished with errors", slog.Any("error", err))
			}
			return err
		},
	}
}

func newMigrateCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the emails schema and the job queue schema",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close(context.WithoutCancel(cmd.Context()))) }()

			if err := a.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
}
