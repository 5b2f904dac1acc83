package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/codeq-dev/codeq/internal/event"
	"github.com/codeq-dev/codeq/internal/logging"
)

// Session is the LSP layer over a spawned transport: it performs the
// initialize handshake, tracks open documents, and translates typed
// operations to JSON-RPC round trips.
//
// All incoming traffic is handled by a single read loop; responses are
// matched to callers by id only, so they may arrive in any order.
type Session struct {
	id      string
	tr      transport
	reg     *Registry
	rootURI string
	timeout time.Duration
	debug   bool

	mu        sync.Mutex
	documents map[string]*OpenDocument

	stopping atomic.Bool
	exitOnce sync.Once
	onExit   func()

	done chan struct{}
}

// newSession wires a session to a transport and starts its read loops.
// onExit is invoked exactly once when the transport's output stream ends.
func newSession(tr transport, rootURI string, timeout time.Duration, debug bool, onExit func()) *Session {
	s := &Session{
		id:        ulid.Make().String(),
		tr:        tr,
		rootURI:   rootURI,
		timeout:   timeout,
		debug:     debug,
		documents: make(map[string]*OpenDocument),
		onExit:    onExit,
		done:      make(chan struct{}),
	}
	s.reg = newRegistry(s.writeFrame)
	go s.readLoop()
	go s.drainStderr()
	return s
}

// readLoop decodes the stdout stream and dispatches each message. When the
// stream ends the process is gone and every pending request is failed.
func (s *Session) readLoop() {
	defer close(s.done)
	dec := NewDecoder()
	for chunk := range s.tr.Output() {
		for _, env := range dec.Feed(chunk) {
			s.dispatch(env)
		}
	}
	s.handleExit()
}

// drainStderr logs server stderr for diagnostics. It is never parsed as
// protocol traffic.
func (s *Session) drainStderr() {
	for chunk := range s.tr.Stderr() {
		logging.Debug().Str("session", s.id).Str("stderr", strings.TrimRight(string(chunk), "\n")).Msg("language server stderr")
	}
}

// writeFrame funnels all outbound frames through one place so debug mode
// can trace traffic.
func (s *Session) writeFrame(p []byte) error {
	if s.debug {
		logging.Debug().Str("session", s.id).Int("bytes", len(p)).Msg("outbound frame")
	}
	return s.tr.Write(p)
}

func (s *Session) dispatch(env *Envelope) {
	if s.debug {
		evt := logging.Debug().Str("session", s.id).Str("method", env.Method)
		if env.ID != nil {
			evt = evt.Int64("id", *env.ID)
		}
		evt.Msg("inbound message")
	}
	switch {
	case env.IsResponse():
		s.reg.Resolve(env)
	case env.IsNotification():
		s.handleNotification(env)
	case env.IsRequest():
		s.handleServerRequest(env)
	}
}

// handleNotification surfaces server-pushed notifications on the event bus.
func (s *Session) handleNotification(env *Envelope) {
	switch env.Method {
	case "textDocument/publishDiagnostics":
		var params PublishDiagnosticsParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			logging.Debug().Err(err).Msg("bad publishDiagnostics payload")
			return
		}
		event.Publish(event.ServerDiagnostics, params)
	case "window/logMessage", "window/showMessage":
		var params LogMessageParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return
		}
		logging.Debug().Str("session", s.id).Int("type", params.Type).Msg(params.Message)
		event.Publish(event.ServerLog, params)
	default:
		logging.Debug().Str("session", s.id).Str("method", env.Method).Msg("unhandled server notification")
	}
}

// handleServerRequest answers server-to-client requests minimally. The
// client registers no dynamic capabilities, so everything is refused.
func (s *Session) handleServerRequest(env *Envelope) {
	reply := &serverReply{
		JSONRPC: "2.0",
		ID:      *env.ID,
		Error: &ProtocolError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("client does not handle %s", env.Method),
		},
	}
	data, err := EncodeMessage(reply)
	if err != nil {
		return
	}
	if err := s.writeFrame(data); err != nil {
		logging.Debug().Err(err).Str("method", env.Method).Msg("failed to answer server request")
	}
}

// handleExit runs once when the stdout stream closes. An exit that was not
// requested via markStopping rejects all pending requests with
// *TransportClosedError and notifies the owner.
func (s *Session) handleExit() {
	s.exitOnce.Do(func() {
		if s.stopping.Load() {
			s.reg.FailAll(ErrNotRunning)
		} else {
			logging.Warn().Str("session", s.id).Msg("language server exited unexpectedly")
			s.reg.FailAll(&TransportClosedError{})
			event.Publish(event.ServerExited, s.id)
		}
		if s.onExit != nil {
			s.onExit()
		}
	})
}

// markStopping records that a shutdown was requested, so the coming exit
// is not treated as a crash.
func (s *Session) markStopping() {
	s.stopping.Store(true)
}

// initialize performs the initialize request / initialized notification
// handshake. The session is unusable if it fails.
func (s *Session) initialize(ctx context.Context) error {
	params := InitializeParams{
		ProcessID: os.Getpid(),
		RootURI:   s.rootURI,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Hover: &HoverCapability{
					ContentFormat: []string{"plaintext", "markdown"},
				},
				DocumentSymbol: &DocumentSymbolCapability{
					SymbolKind:                        &SymbolKindCapability{ValueSet: AllSymbolKinds()},
					HierarchicalDocumentSymbolSupport: true,
				},
			},
			Workspace: WorkspaceClientCapabilities{
				Symbol: &WorkspaceSymbolCapability{
					SymbolKind: &SymbolKindCapability{ValueSet: AllSymbolKinds()},
				},
			},
		},
	}

	var result json.RawMessage
	if err := s.reg.Call(ctx, "initialize", params, s.timeout, &result); err != nil {
		return err
	}
	return s.reg.Notify("initialized", struct{}{})
}

// OpenDocument records the document and sends textDocument/didOpen. The
// bookkeeping is updated before the notification is written. Version must
// be >= 1.
func (s *Session) OpenDocument(uri, languageID string, version int, text string) error {
	if version < 1 {
		return fmt.Errorf("document version must be >= 1, got %d", version)
	}

	s.mu.Lock()
	if _, ok := s.documents[uri]; ok {
		s.mu.Unlock()
		return ErrDocumentAlreadyOpen
	}
	s.documents[uri] = &OpenDocument{URI: uri, LanguageID: languageID, Version: version, Text: text}
	s.mu.Unlock()

	event.Publish(event.DocumentOpened, uri)
	return s.reg.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: languageID, Version: version, Text: text},
	})
}

// CloseDocument removes the document record and sends textDocument/didClose.
func (s *Session) CloseDocument(uri string) error {
	s.mu.Lock()
	if _, ok := s.documents[uri]; !ok {
		s.mu.Unlock()
		return ErrDocumentNotOpen
	}
	delete(s.documents, uri)
	s.mu.Unlock()

	event.Publish(event.DocumentClosed, uri)
	return s.reg.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// OpenDocuments returns the URIs currently recorded as open.
func (s *Session) OpenDocuments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	uris := make([]string, 0, len(s.documents))
	for uri := range s.documents {
		uris = append(uris, uri)
	}
	return uris
}

// requireOpen enforces that position-scoped operations only target open
// documents.
func (s *Session) requireOpen(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[uri]; !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, uri)
	}
	return nil
}

// Hover returns hover contents at a position, or nil when the server
// reports no symbol there.
func (s *Session) Hover(ctx context.Context, uri string, line, character int) (*Hover, error) {
	if err := s.requireOpen(uri); err != nil {
		return nil, err
	}

	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     Position{Line: line, Character: character},
	}

	var raw json.RawMessage
	if err := s.reg.Call(ctx, "textDocument/hover", params, s.timeout, &raw); err != nil {
		return nil, err
	}
	if rawIsNull(raw) {
		return nil, nil
	}

	var result struct {
		Contents json.RawMessage `json:"contents"`
		Range    *Range          `json:"range,omitempty"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal hover result: %w", err)
	}
	return &Hover{Contents: hoverText(result.Contents), Range: result.Range}, nil
}

// hoverText flattens the three wire shapes of hover contents (MarkedString,
// MarkedString[], MarkupContent) into a single string.
func hoverText(contents json.RawMessage) string {
	var value any
	if err := json.Unmarshal(contents, &value); err != nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		if text, ok := v["value"].(string); ok {
			return text
		}
	case []any:
		var parts []string
		for _, p := range v {
			switch e := p.(type) {
			case string:
				parts = append(parts, e)
			case map[string]any:
				if text, ok := e["value"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// References returns all locations referencing the symbol at the position,
// in the order the server returned them.
func (s *Session) References(ctx context.Context, uri string, line, character int, includeDeclaration bool) ([]Location, error) {
	if err := s.requireOpen(uri); err != nil {
		return nil, err
	}

	params := ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     Position{Line: line, Character: character},
		},
		Context: ReferenceContext{IncludeDeclaration: includeDeclaration},
	}

	var locations []Location
	if err := s.reg.Call(ctx, "textDocument/references", params, s.timeout, &locations); err != nil {
		return nil, err
	}
	return locations, nil
}

// DocumentSymbols returns the symbol tree of a document. Servers without
// hierarchical support return flat SymbolInformation entries, which are
// converted to childless nodes.
func (s *Session) DocumentSymbols(ctx context.Context, uri string) ([]DocumentSymbol, error) {
	if err := s.requireOpen(uri); err != nil {
		return nil, err
	}

	params := DocumentSymbolParams{TextDocument: TextDocumentIdentifier{URI: uri}}

	var raw json.RawMessage
	if err := s.reg.Call(ctx, "textDocument/documentSymbol", params, s.timeout, &raw); err != nil {
		return nil, err
	}
	if rawIsNull(raw) {
		return nil, nil
	}

	// Probe the first element: SymbolInformation has "location",
	// DocumentSymbol has "range".
	var probe []struct {
		Location *Location `json:"location"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("unmarshal documentSymbol result: %w", err)
	}
	if len(probe) > 0 && probe[0].Location != nil {
		var infos []SymbolInformation
		if err := json.Unmarshal(raw, &infos); err != nil {
			return nil, fmt.Errorf("unmarshal documentSymbol result: %w", err)
		}
		nodes := make([]DocumentSymbol, len(infos))
		for i, info := range infos {
			nodes[i] = DocumentSymbol{
				Name:           info.Name,
				Kind:           info.Kind,
				Range:          info.Location.Range,
				SelectionRange: info.Location.Range,
			}
		}
		return nodes, nil
	}

	var nodes []DocumentSymbol
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("unmarshal documentSymbol result: %w", err)
	}
	return nodes, nil
}

// WorkspaceSymbols searches symbols across the workspace. Most servers need
// at least one open document for project context; with none open they
// typically return an empty result. Opening a document first is the
// caller's responsibility.
func (s *Session) WorkspaceSymbols(ctx context.Context, query string) ([]SymbolInformation, error) {
	var symbols []SymbolInformation
	if err := s.reg.Call(ctx, "workspace/symbol", WorkspaceSymbolParams{Query: query}, s.timeout, &symbols); err != nil {
		return nil, err
	}
	return symbols, nil
}

// Definition returns the definition locations of the symbol at the
// position. Servers answer with null, a single Location, or an array.
func (s *Session) Definition(ctx context.Context, uri string, line, character int) ([]Location, error) {
	if err := s.requireOpen(uri); err != nil {
		return nil, err
	}

	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     Position{Line: line, Character: character},
	}

	var raw json.RawMessage
	if err := s.reg.Call(ctx, "textDocument/definition", params, s.timeout, &raw); err != nil {
		return nil, err
	}
	if rawIsNull(raw) {
		return nil, nil
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var single Location
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("unmarshal definition result: %w", err)
		}
		return []Location{single}, nil
	}

	var locations []Location
	if err := json.Unmarshal(raw, &locations); err != nil {
		return nil, fmt.Errorf("unmarshal definition result: %w", err)
	}
	return locations, nil
}

// Notify sends an arbitrary fire-and-forget notification.
func (s *Session) Notify(method string, params any) error {
	return s.reg.Notify(method, params)
}
