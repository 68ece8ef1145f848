// Package compression gzips chunk payloads. Writers and output buffers are
// pooled because every flush compresses up to flush_size rows.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
)

// Level represents a gzip compression level.
type Level int

const (
	// LevelDefault uses gzip.DefaultCompression.
	LevelDefault Level = 0
	// GzipBestSpeed favors throughput over ratio.
	GzipBestSpeed Level = 1
	// GzipBestCompression favors ratio over throughput.
	GzipBestCompression Level = 9
)

var (
	compressionPoolGets     atomic.Int64
	compressionPoolPuts     atomic.Int64
	compressionPoolNews     atomic.Int64
	compressionPoolDiscards atomic.Int64
	bufferPoolGets          atomic.Int64
	bufferPoolPuts          atomic.Int64
	bufferActive            atomic.Int64
)

// gzipPools holds one writer pool per level.
var (
	gzipPoolsMu sync.Mutex
	gzipPools   = map[Level]*sync.Pool{}
)

var bufferPool = sync.Pool{
	New: func() interface{} { return bytes.NewBuffer(make([]byte, 0, 32*1024)) },
}

// GetBuffer returns an empty buffer from the pool.
func GetBuffer() *bytes.Buffer {
	bufferPoolGets.Add(1)
	bufferActive.Add(1)
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// ReleaseBuffer returns buf to the pool. Oversized buffers are dropped so a
// single large chunk does not pin memory.
func ReleaseBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	bufferActive.Add(-1)
	if buf.Cap() > 64*1024*1024 {
		return
	}
	bufferPoolPuts.Add(1)
	bufferPool.Put(buf)
}

func writerPool(level Level) (*sync.Pool, error) {
	gzLevel := gzip.DefaultCompression
	if level != LevelDefault {
		gzLevel = int(level)
	}
	if gzLevel < gzip.HuffmanOnly || gzLevel > gzip.BestCompression {
		return nil, fmt.Errorf("invalid gzip level: %d", level)
	}

	gzipPoolsMu.Lock()
	defer gzipPoolsMu.Unlock()
	if p, ok := gzipPools[level]; ok {
		return p, nil
	}
	p := &sync.Pool{
		New: func() interface{} {
			compressionPoolNews.Add(1)
			w, _ := gzip.NewWriterLevel(io.Discard, gzLevel)
			return w
		},
	}
	gzipPools[level] = p
	return p, nil
}

// GzipConcat compresses the concatenation of parts as a single gzip member.
// The returned slice is owned by the caller.
func GzipConcat[T ~[]byte](parts []T, level Level) ([]byte, error) {
	pool, err := writerPool(level)
	if err != nil {
		return nil, err
	}

	buf := GetBuffer()
	defer ReleaseBuffer(buf)

	compressionPoolGets.Add(1)
	gw := pool.Get().(*gzip.Writer)
	gw.Reset(buf)

	for _, p := range parts {
		if _, err := gw.Write(p); err != nil {
			compressionPoolDiscards.Add(1)
			return nil, fmt.Errorf("failed to write gzip data: %w", err)
		}
	}
	if err := gw.Close(); err != nil {
		compressionPoolDiscards.Add(1)
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	compressionPoolPuts.Add(1)
	pool.Put(gw)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Gunzip decompresses a gzip stream.
func Gunzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// ErrTooLarge is returned by GunzipLimit when the decompressed stream
// exceeds the limit.
var ErrTooLarge = errors.New("decompressed size exceeds limit")

// GunzipLimit decompresses a gzip stream, reading at most limit bytes of
// output. Larger streams fail with ErrTooLarge.
func GunzipLimit(data []byte, limit int64) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gr.Close()
	out, err := io.ReadAll(io.LimitReader(gr, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Gets, Puts, News, Discards int64
	BufferGets, BufferPuts     int64
	BuffersActive              int64
}

// Stats returns the current pool counters.
func Stats() PoolStats {
	return PoolStats{
		Gets:          compressionPoolGets.Load(),
		Puts:          compressionPoolPuts.Load(),
		News:          compressionPoolNews.Load(),
		Discards:      compressionPoolDiscards.Load(),
		BufferGets:    bufferPoolGets.Load(),
		BufferPuts:    bufferPoolPuts.Load(),
		BuffersActive: bufferActive.Load(),
	}
}
