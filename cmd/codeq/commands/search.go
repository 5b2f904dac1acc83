package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/codeq-dev/codeq/internal/config"
	"github.com/codeq-dev/codeq/internal/lsp"
)

var (
	searchContext string
	searchLimit   int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search symbols across the workspace",
	Long: `Search symbols across the workspace by name.

A context file is opened first so the server has project context; without
one, most servers return an empty result. Use --context to pick the file,
otherwise the first matching source file in the workspace is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := args[0]

		client, cfg, err := startClient(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Stop()

		contextFile := searchContext
		if contextFile == "" {
			contextFile, err = findContextFile(cfg)
			if err != nil {
				return err
			}
		}
		if _, err := openFile(client, contextFile); err != nil {
			return err
		}

		symbols, err := client.WorkspaceSymbols(cmd.Context(), query)
		if err != nil {
			return err
		}
		if len(symbols) == 0 {
			fmt.Println("no symbols found")
			return nil
		}

		rankSymbols(symbols, query)
		if len(symbols) > searchLimit {
			symbols = symbols[:searchLimit]
		}
		for _, sym := range symbols {
			fmt.Printf("%s %s  %s\n", sym.Kind, sym.Name, formatLocation(sym.Location))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchContext, "context", "", "File to open for project context")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Maximum results to print")
}

// rankSymbols orders results by edit distance to the query, closest first.
// Ties keep the server's order.
func rankSymbols(symbols []lsp.SymbolInformation, query string) {
	q := strings.ToLower(query)
	sort.SliceStable(symbols, func(i, j int) bool {
		di := levenshtein.ComputeDistance(q, strings.ToLower(symbols[i].Name))
		dj := levenshtein.ComputeDistance(q, strings.ToLower(symbols[j].Name))
		return di < dj
	})
}

// findContextFile picks the first workspace file handled by the configured
// language so the server has something to index.
func findContextFile(cfg *config.Config) (string, error) {
	patterns := contextPatterns(cfg.Language)
	fsys := os.DirFS(cfg.Workspace)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		for _, rel := range matches {
			if strings.HasPrefix(rel, "node_modules/") || strings.HasPrefix(rel, ".git/") {
				continue
			}
			return cfg.Workspace + "/" + rel, nil
		}
	}
	return "", fmt.Errorf("no %s source file found in %s; pass one with --context", cfg.Language, cfg.Workspace)
}

func contextPatterns(language string) []string {
	switch language {
	case "go":
		return []string{"**/*.go"}
	case "python":
		return []string{"**/*.py"}
	case "rust":
		return []string{"**/*.rs"}
	default:
		return []string{"**/*.ts", "**/*.tsx", "**/*.js", "**/*.jsx"}
	}
}
