package cli

import (
	"github.com/spf13/cobra"

	"github.com/microsoft/planetary-computer-tasks/internal/app"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var withReconciler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume the change feed and expose the operations API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config()
			if cmd.Flags().Changed("reconcile") {
				cfg.Reconciler.Enabled = withReconciler
			}
			rt, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.Serve(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&withReconciler, "reconcile", false, "run the scheduled reconciler (overrides reconciler.enabled)")

	return cmd
}
