package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
)

// JSONLWriter writes Event records as JSON Lines (one JSON object per line).
// It is safe for concurrent use by multiple goroutines.
type JSONLWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	buf    *bufio.Writer
	closer io.Closer // optional, only set when we own the underlying writer
	closed bool
}

// ErrWriterClosed is returned when WriteEvent is called after Close.
var ErrWriterClosed = errors.New("jsonl trace writer is closed")

// NewJSONLWriter creates a JSONLWriter using the provided io.Writer.
// The writer passed in is NOT closed by JSONLWriter. Close() will only
// flush the internal buffer.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	buf := bufio.NewWriterSize(w, 64*1024) // 64KB buffer for better throughput
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	return &JSONLWriter{
		enc: enc,
		buf: buf,
		// closer is nil here, so Close() won't close the underlying writer.
	}
}

// NewJSONLWriterFile opens the given file path for writing (truncate or
// create) and returns a JSONLWriter that owns the file. Close() will flush
// and close the underlying file.
func NewJSONLWriterFile(path string) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	buf := bufio.NewWriterSize(f, 64*1024)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	return &JSONLWriter{
		enc:    enc,
		buf:    buf,
		closer: f,
	}, nil
}

// NewJSONLWriterStdout creates a JSONLWriter that writes to stdout with a
// small buffer for immediate output visibility.
func NewJSONLWriterStdout() *JSONLWriter {
	buf := bufio.NewWriterSize(os.Stdout, 4*1024)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	return &JSONLWriter{
		enc: enc,
		buf: buf,
	}
}

// WriteEvent appends one event as a JSON line.
func (w *JSONLWriter) WriteEvent(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.enc.Encode(ev)
}

// WriteAll writes every event of the slice.
func (w *JSONLWriter) WriteAll(events []Event) error {
	for _, ev := range events {
		if err := w.WriteEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

// OnEvent lets a JSONLWriter serve as a live trace sink.
func (w *JSONLWriter) OnEvent(ev Event) {
	_ = w.WriteEvent(ev)
}

// Flush flushes the internal buffer.
func (w *JSONLWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.buf.Flush()
}

// Close flushes and, when the writer owns the underlying file, closes it.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// ReadJSONL decodes a JSONL stream back into events, for replay comparison.
func ReadJSONL(r io.Reader) ([]Event, error) {
	var out []Event
	dec := json.NewDecoder(r)
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, ev)
	}
}
