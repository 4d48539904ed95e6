package api

import (
	"bytes"
	"sync"
)

// bufferPool reuses request body buffers across the runner's concurrent
// requests
var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// getBuffer retrieves a reset buffer from the pool.
// Caller must call putBuffer() when done.
func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putBuffer returns a buffer to the pool. Buffers over 16KB are dropped so
// one long prompt does not pin memory.
func putBuffer(buf *bytes.Buffer) {
	const maxBufferSize = 16 * 1024
	if buf.Cap() <= maxBufferSize {
		bufferPool.Put(buf)
	}
}
