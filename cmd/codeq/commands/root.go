// Package commands provides the CLI commands for codeq.
package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codeq-dev/codeq/internal/config"
	"github.com/codeq-dev/codeq/internal/logging"
	"github.com/codeq-dev/codeq/internal/lsp"
	"github.com/codeq-dev/codeq/internal/workspace"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags.
var (
	flagWorkspace string
	flagTimeoutMs int
	flagLogLevel  string
	flagDebug     bool
	flagLanguage  string
	flagServer    string
)

var rootCmd = &cobra.Command{
	Use:   "codeq",
	Short: "codeq - code intelligence queries via a language server",
	Long: `codeq answers code-intelligence queries (hover, references, definition,
symbols, workspace search, batch analysis) by delegating to a language
server speaking LSP over stdio.

Positions are 1-based line and column numbers as shown in editors.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		level := logging.ParseLevel(flagLogLevel)
		if flagDebug {
			level = logging.DebugLevel
		}
		logging.Init(logging.Config{Level: level, Pretty: true})
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", "", "Workspace root (default: detected project root)")
	rootCmd.PersistentFlags().IntVar(&flagTimeoutMs, "timeout-ms", 0, "Per-request timeout in milliseconds")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Log protocol traffic")
	rootCmd.PersistentFlags().StringVarP(&flagLanguage, "language", "l", "", "Language server to use (typescript|go|python|rust|...)")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Explicit server command, overriding resolution")

	rootCmd.SetVersionTemplate(fmt.Sprintf("codeq %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(hoverCmd)
	rootCmd.AddCommand(referencesCmd)
	rootCmd.AddCommand(definitionCmd)
	rootCmd.AddCommand(symbolsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig merges file/env configuration with command-line flags, which
// take the highest priority.
func loadConfig() (*config.Config, error) {
	root := flagWorkspace
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		// Walk up to the project root so the server sees the whole project,
		// not the subdirectory the command ran from.
		detected, err := workspace.Detect(wd)
		if err != nil {
			return nil, err
		}
		root = detected.Root
		if detected.Marker != "" {
			logging.Debug().Str("root", root).Str("marker", detected.Marker).Msg("workspace root detected")
		}
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if flagTimeoutMs > 0 {
		cfg.TimeoutMs = flagTimeoutMs
	}
	if flagDebug {
		cfg.Debug = true
	}
	if flagLanguage != "" {
		cfg.Language = flagLanguage
	}
	if flagServer != "" {
		cfg.Server = strings.Fields(flagServer)
	}
	return cfg, nil
}

// newClient builds an LSP client from the resolved configuration.
func newClient(cfg *config.Config) *lsp.Client {
	opts := []lsp.Option{
		lsp.WithTimeout(cfg.Timeout()),
		lsp.WithDebug(cfg.Debug),
		lsp.WithLanguage(cfg.Language),
	}
	if len(cfg.Server) > 0 {
		opts = append(opts, lsp.WithServerCommand(cfg.Server...))
	}
	for id, command := range cfg.Servers {
		opts = append(opts, lsp.WithServer(&lsp.ServerConfig{ID: id, Command: command}))
	}
	return lsp.New(cfg.Workspace, opts...)
}

// startClient loads config, starts the server, and returns the client. The
// caller must Stop it.
func startClient(ctx context.Context) (*lsp.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	client := newClient(cfg)
	if err := client.Start(ctx); err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

// openFile reads a file and opens it on the server, returning its URI.
func openFile(client *lsp.Client, path string) (string, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	uri := lsp.FileURI(path)
	if err := client.OpenDocument(uri, lsp.DetectLanguageID(path), 1, string(text)); err != nil {
		return "", err
	}
	return uri, nil
}

// parsePosition converts 1-based CLI line/column arguments to the 0-based
// positions LSP expects.
func parsePosition(lineArg, colArg string) (int, int, error) {
	line, err := strconv.Atoi(lineArg)
	if err != nil || line < 1 {
		return 0, 0, fmt.Errorf("invalid line %q", lineArg)
	}
	col, err := strconv.Atoi(colArg)
	if err != nil || col < 1 {
		return 0, 0, fmt.Errorf("invalid column %q", colArg)
	}
	return line - 1, col - 1, nil
}

// formatLocation renders a location as path:line:col with 1-based numbers.
func formatLocation(loc lsp.Location) string {
	return fmt.Sprintf("%s:%d:%d", lsp.URIPath(loc.URI), loc.Range.Start.Line+1, loc.Range.Start.Character+1)
}
