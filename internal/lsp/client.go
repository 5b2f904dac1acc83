package lsp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeq-dev/codeq/internal/logging"
)

// stopGrace bounds the best-effort protocol shutdown during Stop.
const stopGrace = 2 * time.Second

// Client is the externally consumed facade: process lifecycle plus the
// typed LSP operations. One client owns at most one server process.
type Client struct {
	workspaceRoot string
	timeout       time.Duration
	debug         bool
	language      string
	serverCmd     []string // explicit override, wins over the registry
	servers       map[string]*ServerConfig

	// spawn is swapped for an in-memory transport in tests.
	spawn func(command string, args []string, dir string) (transport, error)

	mu      sync.Mutex
	running bool
	session *Session
	tr      transport
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithDebug enables debug logging of protocol traffic.
func WithDebug(debug bool) Option {
	return func(c *Client) { c.debug = debug }
}

// WithLanguage selects which configured server to launch. Defaults to
// typescript.
func WithLanguage(id string) Option {
	return func(c *Client) { c.language = id }
}

// WithServerCommand overrides server resolution with an explicit command.
func WithServerCommand(command ...string) Option {
	return func(c *Client) { c.serverCmd = command }
}

// WithServer registers or replaces a per-language server configuration.
func WithServer(cfg *ServerConfig) Option {
	return func(c *Client) { c.servers[cfg.ID] = cfg }
}

// New creates a client rooted at the given workspace directory.
func New(workspaceRoot string, opts ...Option) *Client {
	c := &Client{
		workspaceRoot: workspaceRoot,
		timeout:       DefaultRequestTimeout,
		language:      "typescript",
		servers:       builtInServers(),
		spawn: func(command string, args []string, dir string) (transport, error) {
			return SpawnProcess(command, args, dir)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// builtInServers returns the default language server registry.
func builtInServers() map[string]*ServerConfig {
	return map[string]*ServerConfig{
		"typescript": {
			ID:         "typescript",
			Extensions: []string{".ts", ".tsx", ".js", ".jsx"},
			Command:    []string{"typescript-language-server", "--stdio"},
		},
		"go": {
			ID:         "go",
			Extensions: []string{".go"},
			Command:    []string{"gopls"},
		},
		"python": {
			ID:         "python",
			Extensions: []string{".py"},
			Command:    []string{"pyright-langserver", "--stdio"},
		},
		"rust": {
			ID:         "rust",
			Extensions: []string{".rs"},
			Command:    []string{"rust-analyzer"},
		},
	}
}

// Start spawns the server and performs the initialize handshake. It fails
// with ErrAlreadyRunning if called on a running client; no second process
// is spawned. On handshake failure the process is terminated before the
// error is returned.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	command, args, err := c.ServerCommand()
	if err != nil {
		return &SpawnError{Command: c.language, Err: err}
	}

	tr, err := c.spawn(command, args, c.workspaceRoot)
	if err != nil {
		return err
	}

	sess := newSession(tr, FileURI(c.workspaceRoot), c.timeout, c.debug, c.onSessionExit)
	if err := sess.initialize(ctx); err != nil {
		sess.markStopping()
		_ = tr.Terminate()
		return fmt.Errorf("initialize handshake: %w", err)
	}

	c.running = true
	c.session = sess
	c.tr = tr
	logging.Info().Str("session", sess.id).Str("command", command).Strs("args", args).Msg("language server started")
	return nil
}

// Stop terminates the server. Calling it on a non-running client is a
// no-op. The process handle is always released, even after prior failures.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	sess, tr := c.session, c.tr
	c.running = false
	c.session = nil
	c.tr = nil
	c.mu.Unlock()

	sess.markStopping()

	// Best-effort protocol shutdown before closing the pipes.
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	_ = sess.reg.Call(ctx, "shutdown", nil, stopGrace, nil)
	_ = sess.reg.Notify("exit", nil)

	err := tr.Terminate()
	<-sess.done
	logging.Info().Str("session", sess.id).Msg("language server stopped")
	return err
}

// IsRunning reports whether the client has a live server session.
func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// onSessionExit flips the running flag when the server process goes away
// underneath us. Pending requests were already failed by the session.
func (c *Client) onSessionExit() {
	c.mu.Lock()
	c.running = false
	c.session = nil
	c.tr = nil
	c.mu.Unlock()
}

// ServerCommand resolves the server executable: the explicit override
// first, then a workspace-local installation under node_modules/.bin,
// then PATH lookup.
func (c *Client) ServerCommand() (string, []string, error) {
	if len(c.serverCmd) > 0 {
		return c.serverCmd[0], c.serverCmd[1:], nil
	}

	cfg, ok := c.servers[c.language]
	if !ok || len(cfg.Command) == 0 {
		return "", nil, fmt.Errorf("no server configured for language %q", c.language)
	}
	name, args := cfg.Command[0], cfg.Command[1:]

	local := filepath.Join(c.workspaceRoot, "node_modules", ".bin", name)
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		return local, args, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", nil, err
	}
	return path, args, nil
}

// currentSession returns the live session or ErrNotRunning.
func (c *Client) currentSession() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.session == nil {
		return nil, ErrNotRunning
	}
	return c.session, nil
}

// OpenDocument opens a document with its full text. Version must be >= 1.
func (c *Client) OpenDocument(uri, languageID string, version int, text string) error {
	s, err := c.currentSession()
	if err != nil {
		return err
	}
	return s.OpenDocument(uri, languageID, version, text)
}

// CloseDocument closes a previously opened document.
func (c *Client) CloseDocument(uri string) error {
	s, err := c.currentSession()
	if err != nil {
		return err
	}
	return s.CloseDocument(uri)
}

// OpenDocuments lists the URIs currently open, or nil when not running.
func (c *Client) OpenDocuments() []string {
	s, err := c.currentSession()
	if err != nil {
		return nil
	}
	return s.OpenDocuments()
}

// Hover requests hover contents at a position in an open document.
func (c *Client) Hover(ctx context.Context, uri string, line, character int) (*Hover, error) {
	s, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return s.Hover(ctx, uri, line, character)
}

// References requests all references to the symbol at a position.
func (c *Client) References(ctx context.Context, uri string, line, character int, includeDeclaration bool) ([]Location, error) {
	s, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return s.References(ctx, uri, line, character, includeDeclaration)
}

// DocumentSymbols requests the symbol tree of an open document.
func (c *Client) DocumentSymbols(ctx context.Context, uri string) ([]DocumentSymbol, error) {
	s, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return s.DocumentSymbols(ctx, uri)
}

// WorkspaceSymbols searches symbols across the workspace. At least one
// document should be open or many servers return an empty result.
func (c *Client) WorkspaceSymbols(ctx context.Context, query string) ([]SymbolInformation, error) {
	s, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return s.WorkspaceSymbols(ctx, query)
}

// Definition requests the definition locations of the symbol at a position.
func (c *Client) Definition(ctx context.Context, uri string, line, character int) ([]Location, error) {
	s, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return s.Definition(ctx, uri, line, character)
}

// Notify sends an arbitrary notification to the server.
func (c *Client) Notify(method string, params any) error {
	s, err := c.currentSession()
	if err != nil {
		return err
	}
	return s.Notify(method, params)
}
