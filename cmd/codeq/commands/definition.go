package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var definitionCmd = &cobra.Command{
	Use:     "definition <file> <line> <col>",
	Aliases: []string{"def"},
	Short:   "Jump to the definition of the symbol at a position",
	Args:    cobra.ExactArgs(3),
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

		locations, err := client.Definition(cmd.Context(), uri, line, col)
		if err != nil {
			return err
		}
		if len(locations) == 0 {
			fmt.Println("no definition found")
			return nil
		}
		for _, loc := range locations {
			fmt.Println(formatLocation(loc))
		}
		return nil
	},
}
