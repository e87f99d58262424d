package httpapi

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog/log"
)

// maxPoolBufferCap is the largest buffer capacity kept in the pools below.
// bytes.Buffer.Reset() only resets length, not capacity, so oversized
// buffers are discarded rather than returned to avoid memory bloat.
const maxPoolBufferCap = 64 * 1024 // 64KB

// requestBufferPool provides reusable byte buffers for request body reads.
var requestBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func getRequestBuffer() *bytes.Buffer {
	v := requestBufferPool.Get()
	buf, ok := v.(*bytes.Buffer)
	if !ok {
		log.Warn().Interface("got_type", v).Msg("unexpected type from request buffer pool")
		return bytes.NewBuffer(make([]byte, 0, 4096))
	}
	return buf
}

func putRequestBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPoolBufferCap {
		return
	}
	buf.Reset()
	requestBufferPool.Put(buf)
}

// responseBufferPool provides reusable byte buffers for JSON encoding.
// Render responses can carry large HTML payloads, so a larger starting
// capacity than the request pool is worthwhile.
var responseBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 16384))
	},
}

func getResponseBuffer() *bytes.Buffer {
	v := responseBufferPool.Get()
	buf, ok := v.(*bytes.Buffer)
	if !ok {
		log.Warn().Interface("got_type", v).Msg("unexpected type from response buffer pool")
		return bytes.NewBuffer(make([]byte, 0, 16384))
	}
	return buf
}

func putResponseBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPoolBufferCap {
		return
	}
	buf.Reset()
	responseBufferPool.Put(buf)
}
