// Package protocol implements the blank-line delimited JSON framing used on
// every plugin transport.
//
// A frame is one complete JSON document followed by "\n\n". Streams are not
// message oriented: a single read may carry half a document, or several
// documents back to back. The Reader keeps an accumulating buffer and peels
// complete documents off its front:
//
//	read ──► buf = `{"id":1}\n\n{"id":2}\n\n{"id"`
//	Next ──► `{"id":1}`            buf = `\n\n{"id":2}\n\n{"id"`
//	Next ──► `{"id":2}`            buf = `\n\n{"id"`
//	Next ──► need more bytes, read again
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Delimiter terminates every frame written by a Writer.
const Delimiter = "\n\n"

const (
	readChunk = 64 * 1024
	// DefaultMaxFrame bounds the size of a single buffered document.
	DefaultMaxFrame = 64 << 20
)

// FramingError reports a malformed stream. It is fatal: a Reader that
// returned one returns it again on every later call.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string { return "framing: " + e.Err.Error() }

func (e *FramingError) Unwrap() error { return e.Err }

// Reader splits a byte stream into JSON documents. It is not safe for
// concurrent use; one goroutine owns the read side of a transport.
type Reader struct {
	r        io.Reader
	buf      []byte
	maxFrame int
	err      error
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, maxFrame: DefaultMaxFrame}
}

// SetMaxFrame changes the buffered document limit.
func (r *Reader) SetMaxFrame(n int) {
	r.maxFrame = n
}

// Next blocks until one complete document is available and returns it.
// io.EOF is returned when the stream ends on a frame boundary.
func (r *Reader) Next() (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	for {
		doc, ok, err := r.split()
		if err != nil {
			r.err = &FramingError{Err: err}
			return nil, r.err
		}
		if ok {
			return doc, nil
		}
		if err := r.fill(); err != nil {
			r.err = err
			return nil, err
		}
	}
}

// split tries to decode one document from the front of the buffer. ok is
// false when the buffer holds only a prefix of a document.
func (r *Reader) split() (json.RawMessage, bool, error) {
	trimmed := bytes.TrimLeft(r.buf, " \t\r\n")
	if len(trimmed) == 0 {
		r.buf = r.buf[:0]
		return nil, false, nil
	}
	r.buf = trimmed

	dec := json.NewDecoder(bytes.NewReader(r.buf))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, false, nil
		}
		return nil, false, err
	}
	consumed := int(dec.InputOffset())
	// A bare scalar at the very end of the buffer may still be growing
	// ("12" then "3"); wait for a byte after it.
	if consumed == len(r.buf) && raw[0] != '{' && raw[0] != '[' && raw[0] != '"' {
		return nil, false, nil
	}

	doc := make(json.RawMessage, len(raw))
	copy(doc, raw)
	r.buf = r.buf[consumed:]
	return doc, true, nil
}

func (r *Reader) fill() error {
	if len(r.buf) >= r.maxFrame {
		return &FramingError{Err: fmt.Errorf("document exceeds %d bytes", r.maxFrame)}
	}
	chunk := make([]byte, readChunk)
	for {
		n, err := r.r.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			return nil
		}
		if err == io.EOF {
			if len(bytes.TrimSpace(r.buf)) > 0 {
				return &FramingError{Err: io.ErrUnexpectedEOF}
			}
			return io.EOF
		}
		if err != nil {
			return err
		}
	}
}

// Writer writes framed documents. Whole frames are written with a single
// Write call under a mutex so concurrent writers never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer emitting frames on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write serializes v as UTF-8 JSON and writes it followed by the delimiter.
func (w *Writer) Write(v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(frame)
	return err
}

// Encode returns the wire form of v: compact JSON without HTML escaping,
// terminated by the delimiter.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder already wrote one '\n'.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
