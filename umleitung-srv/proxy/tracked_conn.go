package proxy

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"

	"github.com/codefionn/umleitung/umleitung-srv/metrics"
)

// trackedConn counts the bytes of a client connection and reports them,
// together with the connection's end, to the metrics once it closes.
type trackedConn struct {
	net.Conn
	metrics       *metrics.Metrics
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	endOnce       sync.Once
}

func newTrackedConn(conn net.Conn, m *metrics.Metrics) *trackedConn {
	m.ConnectionOpened()
	return &trackedConn{Conn: conn, metrics: m}
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
	}
	return n, err
}

// Close closes the connection and records the final statistics once.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(func() {
		c.metrics.RecordTransfer(c.bytesReceived.Load(), c.bytesSent.Load())
		c.metrics.ConnectionClosed()
	})
	return err
}

// trackingListener wraps every accepted connection in a trackedConn.
type trackingListener struct {
	net.Listener
	metrics *metrics.Metrics
}

func (l *trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return newTrackedConn(conn, l.metrics), nil
}

// bufferedConn replays bytes already buffered by r before reading from the
// connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// singleConnListener hands out one connection and then blocks until that
// connection is closed, which lets an http.Server serve exactly one
// (hijacked) connection and return.
type singleConnListener struct {
	conn      net.Conn
	taken     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.taken.CompareAndSwap(false, true) {
		return &notifyConn{Conn: l.conn, onClose: l.closeDone}, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error {
	l.closeDone()
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *singleConnListener) closeDone() {
	l.closeOnce.Do(func() { close(l.done) })
}

type notifyConn struct {
	net.Conn
	onClose func()
}

func (c *notifyConn) Close() error {
	err := c.Conn.Close()
	c.onClose()
	return err
}
