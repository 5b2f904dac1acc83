package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codeq-dev/codeq/internal/logging"
)

// DefaultRequestTimeout is the per-request timeout when none is configured.
const DefaultRequestTimeout = 30 * time.Second

// outcome is the terminal state of a pending request.
type outcome struct {
	resp *Envelope
	err  error
}

// pendingRequest is one outstanding request awaiting its response.
type pendingRequest struct {
	id     int64
	method string
	issued time.Time
	done   chan outcome // buffered, capacity 1
}

// Registry allocates request ids, correlates responses to waiting callers,
// and enforces per-request timeouts. Ids are monotonic starting at 1 and
// never reused; at most one pending entry exists per id.
type Registry struct {
	write func([]byte) error

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]*pendingRequest
	closed   bool
	closeErr error
}

func newRegistry(write func([]byte) error) *Registry {
	return &Registry{
		write:   write,
		pending: make(map[int64]*pendingRequest),
	}
}

// Call sends a request and blocks until the matching response arrives, the
// timeout elapses, or ctx is cancelled. A non-nil result is filled from the
// response result unless it is null. Server error objects are returned as
// *ProtocolError; timeouts as *RequestTimeoutError.
func (r *Registry) Call(ctx context.Context, method string, params any, timeout time.Duration, result any) error {
	r.mu.Lock()
	if r.closed {
		err := r.closeErr
		r.mu.Unlock()
		return err
	}
	r.nextID++
	p := &pendingRequest{
		id:     r.nextID,
		method: method,
		issued: time.Now(),
		done:   make(chan outcome, 1),
	}
	r.pending[p.id] = p
	r.mu.Unlock()

	data, err := EncodeMessage(&Request{JSONRPC: "2.0", ID: p.id, Method: method, Params: params})
	if err != nil {
		r.drop(p.id)
		return err
	}
	if err := r.write(data); err != nil {
		r.drop(p.id)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-p.done:
		if o.err != nil {
			return o.err
		}
		if o.resp.Error != nil {
			return o.resp.Error
		}
		if result != nil && !rawIsNull(o.resp.Result) {
			if err := json.Unmarshal(o.resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		// The entry is removed now; a late response is discarded.
		r.drop(p.id)
		return &RequestTimeoutError{Method: method, Timeout: timeout}
	case <-ctx.Done():
		r.drop(p.id)
		return ctx.Err()
	}
}

// Notify sends a fire-and-forget notification: no id, no pending entry.
func (r *Registry) Notify(method string, params any) error {
	r.mu.Lock()
	if r.closed {
		err := r.closeErr
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	data, err := EncodeMessage(&Request{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return r.write(data)
}

// Resolve delivers a response to its waiting caller. A response whose id
// has no pending entry (already timed out, or unknown) is discarded.
func (r *Registry) Resolve(env *Envelope) {
	if env.ID == nil {
		return
	}

	r.mu.Lock()
	p, ok := r.pending[*env.ID]
	if ok {
		delete(r.pending, *env.ID)
	}
	r.mu.Unlock()

	if !ok {
		logging.Debug().Int64("id", *env.ID).Msg("discarding response with no pending request")
		return
	}
	p.done <- outcome{resp: env}
}

// FailAll rejects every pending request with err and refuses any further
// traffic with the same error. Used when the server process exits.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.closeErr = err
	pending := r.pending
	r.pending = make(map[int64]*pendingRequest)
	r.mu.Unlock()

	for _, p := range pending {
		p.done <- outcome{err: err}
	}
}

// drop removes a pending entry without resolving it.
func (r *Registry) drop(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// pendingCount reports the number of outstanding requests.
func (r *Registry) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
