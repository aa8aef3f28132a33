package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudreaper/cloudreaper/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a task configuration file",
		Long: `Validate a task configuration file without running anything.

This command checks:
  - YAML syntax validity
  - Action names and required fields
  - Retention policy exclusivity (days vs. count)
  - Cron schedule expressions`,
		Example: `  # Validate the default config
  reaper validate

  # Validate a specific file
  reaper validate -c tasks/retire-staging.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration valid: %d task(s) in deployment %q\n", len(cfg.Tasks), cfg.Deployment)
			for _, task := range cfg.Tasks {
				fmt.Printf("  - %s (%s)\n", task.Name, task.Action)
			}
			return nil
		},
	}
	return cmd
}
