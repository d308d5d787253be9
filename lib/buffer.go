package lib

import (
	"io"
	"sync"
)

// Buffer is a growable byte slice taken from the pool. Frames are built
// in place: the header is reserved with Extend and patched once the
// payload is encoded.
type Buffer struct {
	B        []byte
	original []byte
}

var (
	DefaultBufferLength = 4096
	buffers             = &sync.Pool{
		New: func() interface{} {
			b := &Buffer{
				B: make([]byte, 0, DefaultBufferLength),
			}
			b.original = b.B
			return b
		},
	}
)

// TakeBuffer
func TakeBuffer() *Buffer {
	return buffers.Get().(*Buffer)
}

// ReleaseBuffer
func ReleaseBuffer(b *Buffer) {
	// oversized buffers are left for the GC
	if cap(b.B) > MaxPooledBuffer {
		return
	}
	b.B = b.original[:0]
	buffers.Put(b)
}

// MaxPooledBuffer is the capacity above which a buffer is not returned to the pool
var MaxPooledBuffer = 1 << 20

// Reset
func (b *Buffer) Reset() {
	b.B = b.B[:0]
}

// Len
func (b *Buffer) Len() int {
	return len(b.B)
}

func (b *Buffer) Write(v []byte) (n int, err error) {
	b.B = append(b.B, v...)
	return len(v), nil
}

// WriteDataTo writes the whole content of the buffer into w
func (b *Buffer) WriteDataTo(w io.Writer) error {
	data := b.B
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ReadDataFrom reads once from r appending to the buffer. It doubles the
// capacity if less than a half of it is left.
func (b *Buffer) ReadDataFrom(r io.Reader) (int, error) {
	capB := cap(b.B)
	lenB := len(b.B)
	if capB-lenB < capB>>1 {
		b.increase()
		capB = cap(b.B)
	}
	n, e := r.Read(b.B[lenB:capB])
	b.B = b.B[:lenB+n]
	return n, e
}

// Extend grows the buffer by n bytes and returns the new part
func (b *Buffer) Extend(n int) []byte {
	l := len(b.B)
	e := l + n
	for e > cap(b.B) {
		b.increase()
	}
	b.B = b.B[:e]
	return b.B[l:e]
}

// Consume drops n bytes from the head of the buffer
func (b *Buffer) Consume(n int) {
	if n >= len(b.B) {
		b.B = b.B[:0]
		return
	}
	left := copy(b.B, b.B[n:])
	b.B = b.B[:left]
}

func (b *Buffer) increase() {
	capNew := cap(b.B) * 2
	if capNew == 0 {
		capNew = DefaultBufferLength
	}
	b1 := make([]byte, len(b.B), capNew)
	copy(b1, b.B)
	b.B = b1
}
