package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureWriter records every frame written by the registry and decodes it
// back into envelopes for inspection.
type captureWriter struct {
	mu     sync.Mutex
	dec    *Decoder
	frames []*Envelope
	err    error
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{dec: NewDecoder()}
}

func (w *captureWriter) write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, w.dec.Feed(p)...)
	return nil
}

func (w *captureWriter) sent() []*Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Envelope, len(w.frames))
	copy(out, w.frames)
	return out
}

func (w *captureWriter) waitForFrames(t *testing.T, n int) []*Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := w.sent(); len(frames) >= n {
			return frames
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %d", n, len(w.sent()))
	return nil
}

func respondWith(id int64, result any) *Envelope {
	raw, _ := json.Marshal(result)
	return &Envelope{JSONRPC: "2.0", ID: &id, Result: raw}
}

func TestRegistry_IDsAreMonotonicFromOne(t *testing.T) {
	w := newCaptureWriter()
	r := newRegistry(w.write)

	// Calls are sequential, so respond to each frame as it appears.
	go func() {
		for i := 1; i <= 3; i++ {
			frames := w.waitForFrames(t, i)
			r.Resolve(respondWith(*frames[i-1].ID, "ok"))
		}
	}()

	for i := 1; i <= 3; i++ {
		var result string
		err := r.Call(context.Background(), "test/echo", nil, time.Second, &result)
		require.NoError(t, err)
	}

	frames := w.sent()
	require.Len(t, frames, 3)
	for i, f := range frames {
		require.NotNil(t, f.ID)
		assert.Equal(t, int64(i+1), *f.ID)
	}
}

func TestRegistry_OutOfOrderResponses(t *testing.T) {
	const n = 8
	w := newCaptureWriter()
	r := newRegistry(w.write)

	results := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			err := r.Call(context.Background(), "test/echo", map[string]int{"slot": i}, 5*time.Second, &results[i])
			assert.NoError(t, err)
		}(i)
	}

	frames := w.waitForFrames(t, n)

	// Deliver responses in reverse arrival order; each caller must still
	// receive the result matching its own id.
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		var params struct {
			Slot int `json:"slot"`
		}
		require.NoError(t, json.Unmarshal(f.Params, &params))
		r.Resolve(respondWith(*f.ID, fmt.Sprintf("result-%d", params.Slot)))
	}

	wg.Wait()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("result-%d", i), results[i])
	}
}

func TestRegistry_Timeout(t *testing.T) {
	w := newCaptureWriter()
	r := newRegistry(w.write)

	start := time.Now()
	err := r.Call(context.Background(), "textDocument/hover", nil, 50*time.Millisecond, nil)
	elapsed := time.Since(start)

	var timeout *RequestTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "textDocument/hover", timeout.Method)
	assert.Equal(t, 50*time.Millisecond, timeout.Timeout)
	assert.Equal(t, 100*time.Millisecond, timeout.Suggested())

	// The message carries the configured value and the doubled suggestion.
	assert.Contains(t, err.Error(), "50")
	assert.Contains(t, err.Error(), "100")
	assert.Contains(t, err.Error(), "textDocument/hover")

	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, r.pendingCount(), "timed-out request must be removed")
}

func TestRegistry_LateResponseDiscarded(t *testing.T) {
	w := newCaptureWriter()
	r := newRegistry(w.write)

	err := r.Call(context.Background(), "test/slow", nil, 20*time.Millisecond, nil)
	var timeout *RequestTimeoutError
	require.ErrorAs(t, err, &timeout)

	// The answer arrives after the caller already got the timeout; it must
	// be dropped without affecting anything.
	r.Resolve(respondWith(1, "too late"))
	assert.Zero(t, r.pendingCount())
}

func TestRegistry_UnknownIDDiscarded(t *testing.T) {
	w := newCaptureWriter()
	r := newRegistry(w.write)

	assert.NotPanics(t, func() {
		r.Resolve(respondWith(999, "nobody asked"))
	})
}

func TestRegistry_ServerError(t *testing.T) {
	w := newCaptureWriter()
	r := newRegistry(w.write)

	go func() {
		frames := w.waitForFrames(t, 1)
		id := *frames[0].ID
		r.Resolve(&Envelope{
			JSONRPC: "2.0",
			ID:      &id,
			Error:   &ProtocolError{Code: CodeInvalidParams, Message: "bad position"},
		})
	}()

	err := r.Call(context.Background(), "textDocument/hover", nil, time.Second, nil)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, CodeInvalidParams, protoErr.Code)
	assert.Equal(t, "bad position", protoErr.Message)
}

func TestRegistry_FailAllBroadcasts(t *testing.T) {
	const n = 4
	w := newCaptureWriter()
	r := newRegistry(w.write)

	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Call(context.Background(), "test/pending", nil, 5*time.Second, nil)
		}(i)
	}

	w.waitForFrames(t, n)
	r.FailAll(&TransportClosedError{})
	wg.Wait()

	for i := 0; i < n; i++ {
		var closed *TransportClosedError
		assert.ErrorAs(t, errs[i], &closed, "request %d", i)
	}

	// The registry refuses further traffic with the same error.
	err := r.Call(context.Background(), "test/after", nil, time.Second, nil)
	var closed *TransportClosedError
	assert.ErrorAs(t, err, &closed)
	assert.ErrorAs(t, r.Notify("test/notify", nil), &closed)
}

func TestRegistry_NotifyHasNoID(t *testing.T) {
	w := newCaptureWriter()
	r := newRegistry(w.write)

	require.NoError(t, r.Notify("textDocument/didOpen", map[string]string{"uri": "file:///a.ts"}))

	frames := w.sent()
	require.Len(t, frames, 1)
	assert.Nil(t, frames[0].ID)
	assert.Equal(t, "textDocument/didOpen", frames[0].Method)
	assert.Zero(t, r.pendingCount())
}

func TestRegistry_WriteFailureCleansUp(t *testing.T) {
	w := newCaptureWriter()
	w.err = errors.New("pipe broken")
	r := newRegistry(w.write)

	err := r.Call(context.Background(), "test/echo", nil, time.Second, nil)
	require.Error(t, err)
	assert.Zero(t, r.pendingCount())
}

func TestRegistry_ContextCancellation(t *testing.T) {
	w := newCaptureWriter()
	r := newRegistry(w.write)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		w.waitForFrames(t, 1)
		cancel()
	}()

	err := r.Call(ctx, "test/echo", nil, 5*time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.pendingCount())
}
