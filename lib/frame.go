package lib

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

// frames are [4 bytes big-endian length][payload]
const frameHeader = 4

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrWriterClosed  = errors.New("frame writer closed")
)

// FrameReader reads length-prefixed frames from a stream, keeping the
// partial ones in a pooled buffer.
type FrameReader struct {
	r        io.Reader
	buf      *Buffer
	maxSize  int
	consumed int
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	return &FrameReader{
		r:       r,
		buf:     TakeBuffer(),
		maxSize: maxSize,
	}
}

// ReadFrame blocks until a complete frame is received. The returned slice
// is valid until the next call.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	if f.consumed > 0 {
		f.buf.Consume(f.consumed)
		f.consumed = 0
	}

	for {
		if f.buf.Len() >= frameHeader {
			l := int(binary.BigEndian.Uint32(f.buf.B[:frameHeader]))
			if l > f.maxSize {
				return nil, ErrFrameTooLarge
			}
			if f.buf.Len() >= frameHeader+l {
				f.consumed = frameHeader + l
				return f.buf.B[frameHeader : frameHeader+l], nil
			}
		}

		n, err := f.buf.ReadDataFrom(f.r)
		if err != nil {
			if n > 0 && err == io.EOF {
				continue
			}
			return nil, err
		}
	}
}

// Release returns the buffer to the pool. The reader must not be used
// afterwards.
func (f *FrameReader) Release() {
	if f.buf == nil {
		return
	}
	ReleaseBuffer(f.buf)
	f.buf = nil
}

// FrameWriter accumulates frames in a buffer which is flushed by the
// Serve goroutine. Serve is woken up only when the buffer turns from
// empty to non-empty.
type FrameWriter struct {
	sync.Mutex
	w       io.Writer
	buf     *Buffer
	maxSize int
	ready   chan struct{}
	done    chan struct{}
	closed  bool
}

func NewFrameWriter(w io.Writer, maxSize int) *FrameWriter {
	return &FrameWriter{
		w:       w,
		buf:     TakeBuffer(),
		maxSize: maxSize,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// WriteFrame appends a frame. The payload is produced by the encode
// callback. On error nothing is appended.
func (f *FrameWriter) WriteFrame(encode func(w io.Writer) error) error {
	f.Lock()
	defer f.Unlock()

	if f.closed {
		return ErrWriterClosed
	}

	start := f.buf.Len()
	f.buf.Extend(frameHeader)
	if err := encode(f.buf); err != nil {
		f.buf.B = f.buf.B[:start]
		return err
	}
	l := f.buf.Len() - start - frameHeader
	if l > f.maxSize {
		f.buf.B = f.buf.B[:start]
		return ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(f.buf.B[start:start+frameHeader], uint32(l))

	if start == 0 {
		select {
		case f.ready <- struct{}{}:
		default:
		}
	}
	return nil
}

// Serve writes out the accumulated frames until Close is called or a
// write fails.
func (f *FrameWriter) Serve() error {
	spare := TakeBuffer()
	defer ReleaseBuffer(spare)

	for {
		select {
		case <-f.ready:
		case <-f.done:
			return nil
		}

		f.Lock()
		f.buf, spare = spare, f.buf
		f.Unlock()

		if err := spare.WriteDataTo(f.w); err != nil {
			return err
		}
		spare.Reset()
	}
}

// Close stops Serve. Frames that are not written yet are discarded.
func (f *FrameWriter) Close() {
	f.Lock()
	defer f.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}
