package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codeq-dev/codeq/internal/lsp"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols <file>",
	Short: "Print the symbol tree of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := startClient(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Stop()

		uri, err := openFile(client, args[0])
		if err != nil {
			return err
		}

		symbols, err := client.DocumentSymbols(cmd.Context(), uri)
		if err != nil {
			return err
		}
		if len(symbols) == 0 {
			fmt.Println("no symbols found")
			return nil
		}
		printSymbolTree(symbols, 0)
		return nil
	},
}

func printSymbolTree(nodes []lsp.DocumentSymbol, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, node := range nodes {
		fmt.Printf("%s%s %s (line %d)\n", indent, node.Kind, node.Name, node.Range.Start.Line+1)
		printSymbolTree(node.Children, depth+1)
	}
}
