// Package analyze runs batch symbol analysis over a set of files matched
// by a glob pattern, delegating per-file queries to the LSP client.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"

	"github.com/codeq-dev/codeq/internal/logging"
	"github.com/codeq-dev/codeq/internal/lsp"
)

// maxTimeoutRetries bounds how often a timed-out symbol request is retried.
const maxTimeoutRetries = 2

// SymbolSource is the slice of the LSP client the analyzer consumes.
type SymbolSource interface {
	OpenDocument(uri, languageID string, version int, text string) error
	CloseDocument(uri string) error
	DocumentSymbols(ctx context.Context, uri string) ([]lsp.DocumentSymbol, error)
}

// FileReport is the analysis result for a single file.
type FileReport struct {
	Path    string
	Symbols []lsp.DocumentSymbol
	Err     error
}

// SymbolCount returns the number of symbols in the report, including
// nested children.
func (r *FileReport) SymbolCount() int {
	return countSymbols(r.Symbols)
}

func countSymbols(nodes []lsp.DocumentSymbol) int {
	n := len(nodes)
	for _, node := range nodes {
		n += countSymbols(node.Children)
	}
	return n
}

// Analyzer opens each matched file, collects its document symbols, and
// closes it again. Requests that time out are retried with backoff; the
// protocol client itself never retries.
type Analyzer struct {
	source SymbolSource
	root   string
}

// New creates an analyzer rooted at the given directory.
func New(source SymbolSource, root string) *Analyzer {
	return &Analyzer{source: source, root: root}
}

// Run analyzes every file under the root matching the doublestar pattern
// and returns per-file reports sorted by path. Per-file failures are
// recorded in the report, not returned.
func (a *Analyzer) Run(ctx context.Context, pattern string) ([]FileReport, error) {
	matches, err := doublestar.Glob(os.DirFS(a.root), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(matches)

	reports := make([]FileReport, 0, len(matches))
	for _, rel := range matches {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		path := filepath.Join(a.root, rel)
		reports = append(reports, a.analyzeFile(ctx, path))
	}
	return reports, nil
}

// analyzeFile opens one file, fetches its symbols, and closes it.
func (a *Analyzer) analyzeFile(ctx context.Context, path string) FileReport {
	report := FileReport{Path: path}

	text, err := os.ReadFile(path)
	if err != nil {
		report.Err = err
		return report
	}

	uri := lsp.FileURI(path)
	if err := a.source.OpenDocument(uri, lsp.DetectLanguageID(path), 1, string(text)); err != nil {
		report.Err = err
		return report
	}
	defer func() {
		if err := a.source.CloseDocument(uri); err != nil {
			logging.Debug().Err(err).Str("uri", uri).Msg("close after analysis failed")
		}
	}()

	report.Symbols, report.Err = a.symbolsWithRetry(ctx, uri)
	return report
}

// symbolsWithRetry fetches document symbols, retrying only on timeouts.
// Retry policy lives here, on the calling side of the protocol client.
func (a *Analyzer) symbolsWithRetry(ctx context.Context, uri string) ([]lsp.DocumentSymbol, error) {
	var symbols []lsp.DocumentSymbol

	op := func() error {
		var err error
		symbols, err = a.source.DocumentSymbols(ctx, uri)
		if err == nil {
			return nil
		}
		var timeout *lsp.RequestTimeoutError
		if errors.As(err, &timeout) {
			logging.Warn().Str("uri", uri).Dur("suggested", timeout.Suggested()).Msg("symbol request timed out, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTimeoutRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return symbols, nil
}
