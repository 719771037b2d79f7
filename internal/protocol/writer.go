package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrAborted is returned by Send after a write to the consumer failed.
	ErrAborted = errors.New("event stream aborted")
	// ErrClosed is returned by Send after the done event was written.
	ErrClosed = errors.New("event stream closed")
	// ErrEncode is returned by Send when an event cannot be encoded. Nothing
	// is written and the writer stays usable.
	ErrEncode = errors.New("event encoding failed")
)

// Writer encodes events as NDJSON lines and flushes after each one.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flush   func() error
	aborted bool
	closed  bool
	sent    int
}

// NewWriter returns a Writer on w. flush may be nil.
func NewWriter(w io.Writer, flush func() error) *Writer {
	return &Writer{w: w, flush: flush}
}

// Send writes ev as one line. A write or flush failure aborts the writer.
func (w *Writer) Send(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.aborted {
		return ErrAborted
	}
	if w.closed {
		return ErrClosed
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: %s event: %w", ErrEncode, ev.EventType(), err)
	}
	line = append(line, '\n')
	if _, err := w.w.Write(line); err != nil {
		w.aborted = true
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if w.flush != nil {
		if err := w.flush(); err != nil {
			w.aborted = true
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
	w.sent++
	if ev.EventType() == TypeDone {
		w.closed = true
	}
	return nil
}

// Aborted reports whether a write failed.
func (w *Writer) Aborted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aborted
}

// Closed reports whether the done event was written.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Sent returns the number of events written.
func (w *Writer) Sent() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent
}
