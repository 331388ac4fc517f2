package util

import (
	"bufio"
	"io"
	"sync"
)

// LineBufSize is the initial read buffer for a pooled line reader.
// Stratum messages are small; a notify with a long merkle branch is
// still well under this.
const LineBufSize = 4 * 1024

// readerPool recycles bufio.Readers across sessions.  Miners reconnect
// often, so per-connection reader allocations add up.
var readerPool = sync.Pool{
	New: func() interface{} {
		return bufio.NewReaderSize(nil, LineBufSize)
	},
}

// GetReader returns a pooled bufio.Reader reading from r.  Callers must
// return it with [PutReader] when finished.
func GetReader(r io.Reader) *bufio.Reader {
	br := readerPool.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

// PutReader returns br to the pool.  br must not be used afterwards.
func PutReader(br *bufio.Reader) {
	if br == nil {
		return
	}
	br.Reset(nil)
	readerPool.Put(br)
}

// CopyBufSize is the size of pooled buffers used for verbatim copies.
const CopyBufSize = 16 * 1024

// bufPool provides reusable byte buffers for the pool → miner copy.
var bufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, CopyBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return bufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	bufPool.Put(buf)
}
