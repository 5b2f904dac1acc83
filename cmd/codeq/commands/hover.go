package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var hoverCmd = &cobra.Command{
	Use:   "hover <file> <line> <col>",
	Short: "Show hover documentation for the symbol at a position",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, col, err := parsePosition(args[1], args[2])
		if err != nil {
			return err
		}

		client, _, err := startClient(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Stop()

		uri, err := openFile(client, args[0])
		if err != nil {
			return err
		}

		hover, err := client.Hover(cmd.Context(), uri, line, col)
		if err != nil {
			return err
		}
		if hover == nil {
			fmt.Println("no symbol at this position")
			return nil
		}
		fmt.Println(hover.Contents)
		return nil
	},
}
