package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/planetary-computer-tasks/internal/config"
	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string

	cfg *config.Config
}

// Config returns the configuration loaded by the root command.
func (o *RootOptions) Config() *config.Config {
	return o.cfg
}

// NewRootCommand creates the root command for the counter service CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "pctasks-counter",
		Short:         "Maintain status counters on pctasks aggregates",
		Long:          "Applies child record status transitions to their parent Workflow and WorkflowRun counts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.Logging.Level = opts.LogLevel
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML config file (defaults to $"+config.EnvConfigPath+")")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))

	return cmd
}
