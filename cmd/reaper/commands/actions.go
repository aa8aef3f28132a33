package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudreaper/cloudreaper/pkg/config"
)

func newActionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List the available actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range config.ActionNames {
				fmt.Println(name)
			}
			return nil
		},
	}
	return cmd
}
