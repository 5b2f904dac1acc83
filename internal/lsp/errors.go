package lsp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the client.
var (
	// ErrAlreadyRunning indicates Start was called on a running client.
	ErrAlreadyRunning = errors.New("lsp client already running")

	// ErrNotRunning indicates an operation was attempted while the client
	// is not running.
	ErrNotRunning = errors.New("lsp client not running")

	// ErrDocumentNotOpen indicates an operation referenced a document that
	// was never opened (or already closed).
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrDocumentAlreadyOpen indicates a didOpen for a URI that is open.
	ErrDocumentAlreadyOpen = errors.New("document already open")
)

// SpawnError indicates the language server executable could not be started.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn language server %q: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error { return e.Err }

// RequestTimeoutError indicates no response arrived within the configured
// timeout. The pending request is dropped; a late response is discarded.
type RequestTimeoutError struct {
	Method  string
	Timeout time.Duration
}

// Suggested returns the retry timeout recommended to the caller.
func (e *RequestTimeoutError) Suggested() time.Duration { return 2 * e.Timeout }

// Error implements the error interface.
func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %dms; retry with a larger timeout (suggested %dms)",
		e.Method, e.Timeout.Milliseconds(), e.Suggested().Milliseconds())
}

// TransportClosedError indicates the server process exited while requests
// were outstanding. Every pending request receives it simultaneously.
type TransportClosedError struct {
	Err error
}

// Error implements the error interface.
func (e *TransportClosedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("language server exited unexpectedly: %v", e.Err)
	}
	return "language server exited unexpectedly"
}

// Unwrap returns the underlying exit error, if any.
func (e *TransportClosedError) Unwrap() error { return e.Err }

// ProtocolError is a JSON-RPC error object returned by the server,
// surfaced with the server's code and message verbatim.
type ProtocolError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC and LSP error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeRequestFailed        = -32803
)
