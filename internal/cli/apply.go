package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/microsoft/planetary-computer-tasks/internal/app"
	"github.com/microsoft/planetary-computer-tasks/internal/counter"
	"github.com/microsoft/planetary-computer-tasks/internal/feed"
)

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <event.json|->",
		Short: "Apply a single change event to its parent aggregate",
		Long: `Apply reads one change event envelope from a file (or stdin with "-")
and applies it synchronously against the configured store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			ev, err := feed.DecodeEvent(payload)
			if err != nil {
				return err
			}

			cfg := rootOpts.Config()
			s, err := app.OpenStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()

			updater := counter.NewUpdater(s,
				counter.WithMaxAttempts(cfg.Counter.MaxAttempts),
				counter.WithBackoff(cfg.Counter.BackoffBase, cfg.Counter.BackoffMax),
			)
			if err := updater.Handle(cmd.Context(), ev); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s %s\n", ev.Type, ev.ID)
			return nil
		},
	}

	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	return data, nil
}
