package lsp

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

const (
	// readChunkSize is the buffer size for stdout/stderr reads.
	readChunkSize = 8 * 1024

	// terminateGrace is how long Terminate waits after closing stdin
	// before killing the process.
	terminateGrace = 2 * time.Second
)

// transport abstracts the byte-level pipe pair to a language server so the
// session can be driven over in-memory pipes in tests.
type transport interface {
	Write(p []byte) error
	Output() <-chan []byte
	Stderr() <-chan []byte
	Exited() <-chan struct{}
	Terminate() error
}

// ProcessTransport owns a spawned language server process and exposes
// serialized stdin writes plus stdout/stderr chunk streams.
type ProcessTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	out    chan []byte
	errs   chan []byte
	exited chan struct{}

	waitErr   error // set before exited is closed
	stdinOnce sync.Once
	termOnce  sync.Once
}

// SpawnProcess starts the given command with piped stdin/stdout/stderr.
// It returns a *SpawnError if the executable cannot be started.
func SpawnProcess(command string, args []string, dir string) (*ProcessTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	t := &ProcessTransport{
		cmd:    cmd,
		stdin:  stdin,
		out:    make(chan []byte, 16),
		errs:   make(chan []byte, 16),
		exited: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go t.readPipe(stdout, t.out, &readers)
	go t.readPipe(stderr, t.errs, &readers)
	go func() {
		// Wait must run after both pipe readers finish or it would close
		// the pipes out from under them.
		readers.Wait()
		t.waitErr = cmd.Wait()
		close(t.exited)
	}()

	return t, nil
}

// readPipe copies a pipe into a chunk channel until EOF, then closes it.
func (t *ProcessTransport) readPipe(r io.Reader, ch chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(ch)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ch <- chunk
		}
		if err != nil {
			return
		}
	}
}

// Write sends bytes to the process stdin. Writes are serialized so
// concurrent requests cannot interleave frames.
func (t *ProcessTransport) Write(p []byte) error {
	select {
	case <-t.exited:
		return ErrNotRunning
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(p); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Output returns the stdout chunk stream. Closed when the process exits.
func (t *ProcessTransport) Output() <-chan []byte { return t.out }

// Stderr returns the stderr chunk stream, surfaced for diagnostics only.
func (t *ProcessTransport) Stderr() <-chan []byte { return t.errs }

// Exited is closed once the process has exited, expectedly or not.
func (t *ProcessTransport) Exited() <-chan struct{} { return t.exited }

// Running reports whether the process is still alive.
func (t *ProcessTransport) Running() bool {
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// Terminate closes stdin and, if the process does not exit within the
// grace period, kills it. Idempotent; calling on an exited process is a
// no-op.
func (t *ProcessTransport) Terminate() error {
	t.termOnce.Do(func() {
		t.closeStdin()
		select {
		case <-t.exited:
			return
		case <-time.After(terminateGrace):
		}
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		<-t.exited
	})
	return nil
}

func (t *ProcessTransport) closeStdin() {
	t.stdinOnce.Do(func() {
		_ = t.stdin.Close()
	})
}

// WaitErr returns the process exit error once Exited is closed.
func (t *ProcessTransport) WaitErr() error {
	select {
	case <-t.exited:
		return t.waitErr
	default:
		return nil
	}
}
