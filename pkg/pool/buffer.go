package pool

import (
	"bytes"
	"sync"
)

const (
	// CopyBufSize is the size of buffers returned by GetCopyBuf.
	CopyBufSize = 32 * 1024

	// Buffers that grew beyond this are dropped instead of pooled.
	maxPooledBufCap = 4 * 1024 * 1024
)

var bytesBufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, CopyBufSize)
		return &b
	},
}

// GetBytesBuf returns an empty *bytes.Buffer from the pool.
// The caller MUST call ReleaseBytesBuf after use and MUST NOT keep
// references to the buffer's content after release.
func GetBytesBuf() *bytes.Buffer {
	return bytesBufPool.Get().(*bytes.Buffer)
}

// ReleaseBytesBuf resets b and returns it to the pool.
func ReleaseBytesBuf(b *bytes.Buffer) {
	if b.Cap() > maxPooledBufCap {
		return
	}
	b.Reset()
	bytesBufPool.Put(b)
}

// GetCopyBuf returns a CopyBufSize buffer for io.CopyBuffer.
func GetCopyBuf() *[]byte {
	return copyBufPool.Get().(*[]byte)
}

// ReleaseCopyBuf returns b to the pool.
func ReleaseCopyBuf(b *[]byte) {
	if cap(*b) != CopyBufSize {
		return
	}
	*b = (*b)[:CopyBufSize]
	copyBufPool.Put(b)
}
