package buffer

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// TSPacketSize is the MPEG-TS packet length. Recent data is cut on packet
// boundaries so a late viewer starts on a sync byte.
const TSPacketSize = 188

// BufferPool hands out reusable read buffers of at least bufferSize bytes,
// backed by valyala/bytebufferpool.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool of buffers with the given minimum capacity.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get returns an empty buffer whose B has len bufferSize, ready for Read.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	}
	buf.B = buf.B[:bp.bufferSize]
	return buf
}

// Put returns buf to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		buf.Reset()
		bp.pool.Put(buf)
	}
}

// RingBuffer keeps the most recent bytes written to it, overwriting the oldest
// data when full.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []byte
	size     int64
	writePos int64
}

// NewRingBuffer creates a ring holding size bytes.
func NewRingBuffer(size int64) *RingBuffer {
	if size <= 0 {
		size = TSPacketSize
	}
	return &RingBuffer{data: make([]byte, size), size: size}
}

// Write appends data, overwriting the oldest bytes as needed.
func (rb *RingBuffer) Write(data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	// only the tail can survive a write larger than the ring
	if int64(len(data)) > rb.size {
		rb.writePos += int64(len(data)) - rb.size
		data = data[int64(len(data))-rb.size:]
	}

	start := rb.writePos % rb.size
	n := copy(rb.data[start:], data)
	if n < len(data) {
		copy(rb.data, data[n:])
	}
	rb.writePos += int64(len(data))
}

// Reset forgets everything written so far.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.writePos = 0
}

// Written returns the total number of bytes written since the last Reset.
func (rb *RingBuffer) Written() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.writePos
}

// Recent returns a copy of up to maxBytes of the newest data, trimmed to a
// whole number of TS packets. Returns nil when nothing is buffered.
func (rb *RingBuffer) Recent(maxBytes int64) []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := maxBytes
	if n > rb.writePos {
		n = rb.writePos
	}
	if n > rb.size {
		n = rb.size
	}
	n -= n % TSPacketSize
	if n <= 0 {
		return nil
	}

	out := make([]byte, n)
	start := (rb.writePos - n) % rb.size
	c := copy(out, rb.data[start:])
	if int64(c) < n {
		copy(out[c:], rb.data[:n-int64(c)])
	}
	return out
}
