package lsp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/codeq-dev/codeq/internal/logging"
)

var headerSeparator = []byte("\r\n\r\n")

// EncodeMessage serializes a JSON-RPC message and prepends the LSP
// Content-Length header. The length is the byte length of the UTF-8 body.
func EncodeMessage(msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	buf := make([]byte, 0, len(body)+32)
	buf = append(buf, fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))...)
	buf = append(buf, body...)
	return buf, nil
}

// Envelope is a decoded JSON-RPC message: a request (id + method), a
// response (id + result or error), or a notification (method, no id).
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ProtocolError  `json:"error,omitempty"`
}

// IsResponse reports whether the envelope answers a client request.
func (e *Envelope) IsResponse() bool { return e.ID != nil && e.Method == "" }

// IsNotification reports whether the envelope is a server notification.
func (e *Envelope) IsNotification() bool { return e.ID == nil && e.Method != "" }

// IsRequest reports whether the envelope is a server-initiated request.
func (e *Envelope) IsRequest() bool { return e.ID != nil && e.Method != "" }

// Decoder reassembles LSP frames from an incoming byte stream. Chunks may
// split headers or bodies at arbitrary boundaries; trailing partial bytes
// are retained until the next Feed call.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a Decoder with an empty buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk to the buffer and returns every complete message it
// now contains. Bodies that fail to parse as JSON are logged and skipped;
// framing for subsequent messages is unaffected.
func (d *Decoder) Feed(chunk []byte) []*Envelope {
	d.buf = append(d.buf, chunk...)

	var msgs []*Envelope
	for {
		body, ok := d.next()
		if !ok {
			break
		}
		if body == nil {
			continue // unusable header, already consumed
		}
		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			logging.Debug().Err(err).Int("bytes", len(body)).Msg("skipping undecodable message body")
			continue
		}
		msgs = append(msgs, &env)
	}
	return msgs
}

// next extracts one framed body from the buffer. It returns (nil, false)
// when no complete frame is buffered, and (nil, true) when it consumed an
// unusable header block and the caller should try again.
func (d *Decoder) next() ([]byte, bool) {
	sep := bytes.Index(d.buf, headerSeparator)
	if sep < 0 {
		return nil, false
	}

	length := -1
	for _, line := range bytes.Split(d.buf[:sep], []byte("\r\n")) {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		if strings.EqualFold(string(bytes.TrimSpace(name)), "Content-Length") {
			n, err := strconv.Atoi(string(bytes.TrimSpace(value)))
			if err == nil {
				length = n
			}
		}
		// Content-Type and any other headers are ignored.
	}

	bodyStart := sep + len(headerSeparator)
	if length < 0 {
		logging.Debug().Str("header", string(d.buf[:sep])).Msg("skipping header block without Content-Length")
		d.consume(bodyStart)
		return nil, true
	}
	if len(d.buf) < bodyStart+length {
		return nil, false // body not fully arrived yet
	}

	body := make([]byte, length)
	copy(body, d.buf[bodyStart:bodyStart+length])
	d.consume(bodyStart + length)
	return body, true
}

// consume drops n leading bytes, copying the remainder so the buffer does
// not pin large arrays from earlier reads.
func (d *Decoder) consume(n int) {
	rest := d.buf[n:]
	if len(rest) == 0 {
		d.buf = nil
		return
	}
	d.buf = append(make([]byte, 0, len(rest)), rest...)
}
