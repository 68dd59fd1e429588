package proxy

import (
	"io"
	"net"
	"sync"

	"github.com/codefionn/umleitung/umleitung-srv/logger"
)

const (
	// DefaultBufferSize is the default size for pooled buffers (32KB)
	// This matches the internal buffer size used by io.Copy
	DefaultBufferSize = 32 * 1024
)

// bufferPool is a global pool of byte slices used for copying data
// between connections. This reduces GC pressure by reusing buffers.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// copyBuffer copies from src to dst using a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

type closeWriter interface {
	CloseWrite() error
}

// pipe copies in both directions until either side is done and closes both
// connections afterwards.
func pipe(client, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	copyHalf := func(dst, src net.Conn, direction string) {
		defer wg.Done()
		if _, err := copyBuffer(dst, src); err != nil && !isClosedConnError(err) {
			logger.Debug("Tunnel copy error (%s): %v", direction, err)
		}
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}

	go copyHalf(upstream, client, "client to upstream")
	go copyHalf(client, upstream, "upstream to client")
	wg.Wait()

	_ = client.Close()
	_ = upstream.Close()
}
