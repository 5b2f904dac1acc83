package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the resolved configuration and server command",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("workspace: %s\n", cfg.Workspace)
		fmt.Printf("language:  %s\n", cfg.Language)
		fmt.Printf("timeout:   %s\n", cfg.Timeout())

		client := newClient(cfg)
		command, cmdArgs, err := client.ServerCommand()
		if err != nil {
			fmt.Printf("server:    unresolved (%v)\n", err)
			return nil
		}
		fmt.Printf("server:    %s %s\n", command, strings.Join(cmdArgs, " "))
		return nil
	},
}
