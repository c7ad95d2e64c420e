package recfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/provider"
)

// Writer appends frames to a capture file. Safe for concurrent use; the
// first write error sticks and is returned by every later call.
type Writer struct {
	mu     sync.Mutex
	c      io.Closer
	w      *bufio.Writer
	err    error
	closed bool

	events  uint64
	buffers uint64
}

// Create creates the capture file at path, making parent directories.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", path, err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter writes the file header to wc and returns a writer over it.
func NewWriter(wc io.WriteCloser) (*Writer, error) {
	w := &Writer{c: wc, w: bufio.NewWriterSize(wc, 256<<10)}
	if _, err := w.w.WriteString(magic); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return w, nil
}

func (w *Writer) write(fn func(b *bufio.Writer) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.closed {
		w.err = native.ErrClosed
		return w.err
	}
	if err := fn(w.w); err != nil {
		w.err = fmt.Errorf("capture write failed: %w", err)
	}
	return w.err
}

// WriteProvider records a provider the session enabled.
func (w *Writer) WriteProvider(d provider.Descriptor) error {
	if len(d.Name) > math.MaxUint16 {
		return fmt.Errorf("%w: provider name too long", ErrCorrupt)
	}
	return w.write(func(b *bufio.Writer) error {
		var hdr [19]byte
		hdr[0] = tagProvider
		copy(hdr[1:17], d.GUID[:])
		binary.LittleEndian.PutUint16(hdr[17:], uint16(len(d.Name)))
		if _, err := b.Write(hdr[:]); err != nil {
			return err
		}
		_, err := b.WriteString(d.Name)
		return err
	})
}

// WriteEvent records one raw event.
func (w *Writer) WriteEvent(raw []byte) error {
	if len(raw) > maxEventSize {
		return fmt.Errorf("%w: event of %d bytes", ErrCorrupt, len(raw))
	}
	return w.write(func(b *bufio.Writer) error {
		var hdr [5]byte
		hdr[0] = tagEvent
		binary.LittleEndian.PutUint32(hdr[1:], uint32(len(raw)))
		if _, err := b.Write(hdr[:]); err != nil {
			return err
		}
		_, err := b.Write(raw)
		w.events++
		return err
	})
}

// WriteBuffer records a buffer boundary and flushes the file.
func (w *Writer) WriteBuffer(buf native.Buffer, at time.Time) error {
	return w.write(func(b *bufio.Writer) error {
		var fr [18]byte
		fr[0] = tagBuffer
		binary.LittleEndian.PutUint32(fr[1:], buf.Filled)
		binary.LittleEndian.PutUint32(fr[5:], buf.Size)
		binary.LittleEndian.PutUint64(fr[9:], uint64(at.UnixNano()))
		if buf.Err != nil {
			fr[17] = bufferFlagMetadataErr
		}
		if _, err := b.Write(fr[:]); err != nil {
			return err
		}
		w.buffers++
		return b.Flush()
	})
}

// Counts returns the number of event and buffer frames written.
func (w *Writer) Counts() (events, buffers uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events, w.buffers
}

// Err returns the sticky write error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if errors.Is(w.err, native.ErrClosed) {
		return nil
	}
	return w.err
}

// Close flushes and closes the file. Calling it again is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	ferr := w.w.Flush()
	cerr := w.c.Close()
	if w.err != nil {
		return w.err
	}
	return errors.Join(ferr, cerr)
}

// Tee returns a handle that behaves like h and also writes every provider,
// raw event and buffer boundary to w. A write failure stops the session at
// the next buffer boundary and is returned from Consume. Closing the
// returned handle closes both h and w.
func (w *Writer) Tee(h native.Handle) native.Handle {
	return &teeHandle{Handle: h, w: w}
}

type teeHandle struct {
	native.Handle
	w *Writer
}

func (t *teeHandle) AddProvider(p provider.Enabled) error {
	if err := t.Handle.AddProvider(p); err != nil {
		return err
	}
	return t.w.WriteProvider(provider.Descriptor{GUID: p.GUID, Name: p.Name})
}

func (t *teeHandle) Consume(onEvent native.EventFunc, onBuffer native.BufferFunc) error {
	var writeErr error
	err := t.Handle.Consume(
		func(raw []byte) {
			if writeErr == nil {
				writeErr = t.w.WriteEvent(raw)
			}
			onEvent(raw)
		},
		func(b native.Buffer) native.Action {
			if writeErr == nil {
				writeErr = t.w.WriteBuffer(b, time.Now())
			}
			action := onBuffer(b)
			if writeErr != nil {
				return native.Stop
			}
			return action
		},
	)
	return errors.Join(err, writeErr)
}

func (t *teeHandle) Close() error {
	return errors.Join(t.Handle.Close(), t.w.Close())
}
