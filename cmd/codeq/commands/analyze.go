package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codeq-dev/codeq/internal/analyze"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <pattern>",
	Short: "Collect symbols for every file matching a glob pattern",
	Long: `Collect document symbols for every workspace file matching a doublestar
glob pattern, e.g. "src/**/*.ts".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := startClient(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Stop()

		analyzer := analyze.New(client, cfg.Workspace)
		reports, err := analyzer.Run(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		var files, symbols, failures int
		for _, report := range reports {
			if report.Err != nil {
				failures++
				fmt.Printf("%s: error: %v\n", report.Path, report.Err)
				continue
			}
			files++
			count := report.SymbolCount()
			symbols += count
			fmt.Printf("%s: %d symbols\n", report.Path, count)
		}
		fmt.Printf("\n%d files analyzed, %d symbols, %d failures\n", files, symbols, failures)
		return nil
	},
}
