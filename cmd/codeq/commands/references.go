package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var includeDeclaration bool

var referencesCmd = &cobra.Command{
	Use:     "references <file> <line> <col>",
	Aliases: []string{"refs"},
	Short:   "List all references to the symbol at a position",
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

		locations, err := client.References(cmd.Context(), uri, line, col, includeDeclaration)
		if err != nil {
			return err
		}
		if len(locations) == 0 {
			fmt.Println("no references found")
			return nil
		}
		// Server order is preserved.
		for _, loc := range locations {
			fmt.Println(formatLocation(loc))
		}
		return nil
	},
}

func init() {
	referencesCmd.Flags().BoolVar(&includeDeclaration, "include-declaration", true, "Include the declaration itself")
}
