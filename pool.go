package sqlsession

import (
	"bytes"
	"sync"
)

var readerPool = sync.Pool{
	New: func() any {
		return bytes.NewReader(nil)
	},
}

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// PutBuffer wipes the buffer's content and returns it to the pool so encoded
// session payloads do not linger in pooled memory.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	clear(buf.Bytes())
	buf.Reset()
	bufferPool.Put(buf)
}
