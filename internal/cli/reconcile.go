package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/planetary-computer-tasks/internal/app"
	"github.com/microsoft/planetary-computer-tasks/internal/reconciler"
)

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute parent counts from child records once and repair drift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config()
			s, err := app.OpenStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := reconciler.New(s, reconciler.WithDryRun(dryRun)).Run(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without writing repairs")

	return cmd
}
