package recfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/provider"
)

// Frame is one decoded frame. Only the fields of its Kind are set.
type Frame struct {
	Kind     FrameKind
	Provider provider.Descriptor
	Raw      []byte
	Buffer   native.Buffer
	Time     time.Time
}

// Reader reads frames from a capture file.
type Reader struct {
	r   *bufio.Reader
	c   io.Closer
	buf []byte
}

// Open opens the capture file at path and checks its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.c = f
	return r, nil
}

// NewReader checks the header of r and returns a frame reader over it.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 256<<10)
	var hdr [len(magic)]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(hdr[:]) != magic {
		return nil, ErrBadMagic
	}
	return &Reader{r: br}, nil
}

// Next returns the next frame, or io.EOF at a clean end of file. The Raw
// slice of an event frame is reused by the next call.
func (r *Reader) Next() (Frame, error) {
	tag, err := r.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	switch tag {
	case tagEvent:
		var hdr [4]byte
		if err := r.full(hdr[:]); err != nil {
			return Frame{}, err
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		if n > maxEventSize {
			return Frame{}, fmt.Errorf("%w: event frame of %d bytes", ErrCorrupt, n)
		}
		if cap(r.buf) < int(n) {
			r.buf = make([]byte, n)
		}
		r.buf = r.buf[:n]
		if err := r.full(r.buf); err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameEvent, Raw: r.buf}, nil

	case tagBuffer:
		var body [17]byte
		if err := r.full(body[:]); err != nil {
			return Frame{}, err
		}
		f := Frame{Kind: FrameBuffer}
		f.Buffer.Filled = binary.LittleEndian.Uint32(body[0:])
		f.Buffer.Size = binary.LittleEndian.Uint32(body[4:])
		f.Time = time.Unix(0, int64(binary.LittleEndian.Uint64(body[8:])))
		if body[16]&bufferFlagMetadataErr != 0 {
			f.Buffer.Err = ErrBufferMetadata
		}
		return f, nil

	case tagProvider:
		var hdr [18]byte
		if err := r.full(hdr[:]); err != nil {
			return Frame{}, err
		}
		f := Frame{Kind: FrameProvider}
		copy(f.Provider.GUID[:], hdr[:16])
		name := make([]byte, binary.LittleEndian.Uint16(hdr[16:]))
		if err := r.full(name); err != nil {
			return Frame{}, err
		}
		f.Provider.Name = string(name)
		return f, nil

	default:
		return Frame{}, fmt.Errorf("%w: unknown frame tag 0x%02x", ErrCorrupt, tag)
	}
}

// full reads len(b) bytes; a short read inside a frame is corruption.
func (r *Reader) full(b []byte) error {
	if _, err := io.ReadFull(r.r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated frame", ErrCorrupt)
		}
		return err
	}
	return nil
}

// Close closes the underlying file when the reader was created by Open.
func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	c := r.c
	r.c = nil
	return c.Close()
}
