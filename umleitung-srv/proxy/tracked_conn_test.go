package proxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrapeMetrics(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestTrackedConn(t *testing.T) {
	m := metrics.New()
	local, remote := net.Pipe()
	defer remote.Close()

	conn := newTrackedConn(local, m)
	assert.Contains(t, scrapeMetrics(t, m), "umleitung_active_connections 1")

	go func() {
		_, _ = remote.Write([]byte("hello"))
		buf := make([]byte, 3)
		_, _ = io.ReadFull(remote, buf)
	}()

	buf := make([]byte, 5)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	_, err = conn.Write([]byte("abc"))
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	// a second close must not count the connection twice
	_ = conn.Close()

	out := scrapeMetrics(t, m)
	assert.Contains(t, out, "umleitung_active_connections 0")
	assert.Contains(t, out, `umleitung_client_bytes_total{direction="received"} 5`)
	assert.Contains(t, out, `umleitung_client_bytes_total{direction="sent"} 3`)
}

func TestTrackedConnNilMetrics(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	conn := newTrackedConn(local, nil)
	assert.NoError(t, conn.Close())
}

func TestBufferedConnReplaysPeekedBytes(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	go func() {
		_, _ = remote.Write([]byte("GET / HTTP/1.1\r\n"))
	}()

	br := bufio.NewReader(local)
	first, err := br.Peek(1)
	require.NoError(t, err)
	assert.Equal(t, byte('G'), first[0])

	conn := &bufferedConn{Conn: local, r: br}
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n", line)
	_ = conn.Close()
}

func TestSingleConnListener(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	l := newSingleConnListener(local)
	conn, err := l.Accept()
	require.NoError(t, err)

	accepted := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		accepted <- err
	}()

	select {
	case <-accepted:
		t.Fatal("second Accept returned while the first connection is open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, conn.Close())
	select {
	case err := <-accepted:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after the connection closed")
	}
	assert.NoError(t, l.Close())
}

func TestSingleConnListenerServesOneConnection(t *testing.T) {
	client, server := net.Pipe()
	l := newSingleConnListener(server)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		_, _ = io.WriteString(w, "served "+r.URL.Path)
	})}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()

	_, err := io.WriteString(client, "GET /one HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.True(t, strings.HasSuffix(string(body), "served /one"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after its only connection closed")
	}
	_ = client.Close()
}
