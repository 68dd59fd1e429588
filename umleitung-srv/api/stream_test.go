package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/exchange"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamUpdate struct {
	Add *struct {
		TraceID string `json:"traceId"`
	} `json:"add"`
	Update *struct {
		TraceID   string `json:"traceId"`
		Finalized bool   `json:"finalized"`
	} `json:"update"`
	Clear bool `json:"clear"`
}

func recordSimple(t *testing.T, a *testAPI, url string) string {
	t.Helper()
	ev := exchange.New("127.0.0.1", &exchange.RequestData{Method: http.MethodGet, URL: url})
	require.NoError(t, a.deps.Bus.Record(ev))
	return ev.TraceID
}

func waitSubscribers(t *testing.T, a *testAPI, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return a.deps.Bus.Subscribers() == n }, 2*time.Second, 10*time.Millisecond)
}

func openStream(t *testing.T, srv *httptest.Server, accept string) (*http.Response, *bufio.Scanner) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/request_log", nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp, bufio.NewScanner(resp.Body)
}

// nextUpdate skips blank lines and SSE comments.
func nextUpdate(t *testing.T, sc *bufio.Scanner, sse bool) streamUpdate {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if sse {
			require.True(t, strings.HasPrefix(line, "data: "), line)
			line = strings.TrimPrefix(line, "data: ")
		}
		var u streamUpdate
		require.NoError(t, json.Unmarshal([]byte(line), &u), line)
		return u
	}
	require.NoError(t, sc.Err())
	t.Fatal("stream ended")
	return streamUpdate{}
}

func TestRequestLogStream(t *testing.T) {
	tests := []struct {
		name        string
		accept      string
		sse         bool
		contentType string
	}{
		{"ndjson", "", false, "application/x-ndjson"},
		{"server-sent events", "text/event-stream", true, "text/event-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t, config.APIConfig{})
			srv := httptest.NewServer(a.server)
			t.Cleanup(srv.Close)

			stored := recordSimple(t, a, "http://example.com/stored")

			resp, sc := openStream(t, srv, tt.accept)
			defer resp.Body.Close()
			assert.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))

			u := nextUpdate(t, sc, tt.sse)
			require.NotNil(t, u.Add)
			assert.Equal(t, stored, u.Add.TraceID)
			waitSubscribers(t, a, 1)

			live := recordSimple(t, a, "http://example.com/live")
			u = nextUpdate(t, sc, tt.sse)
			require.NotNil(t, u.Add)
			assert.Equal(t, live, u.Add.TraceID)

			require.NoError(t, a.deps.Bus.Finalize(live))
			u = nextUpdate(t, sc, tt.sse)
			require.NotNil(t, u.Update)
			assert.True(t, u.Update.Finalized)

			a.deps.Bus.Clear()
			u = nextUpdate(t, sc, tt.sse)
			assert.True(t, u.Clear)
		})
	}
}

func TestRequestLogStreamUnsubscribesOnDisconnect(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{})
	srv := httptest.NewServer(a.server)
	t.Cleanup(srv.Close)

	resp, _ := openStream(t, srv, "")
	waitSubscribers(t, a, 1)
	require.NoError(t, resp.Body.Close())
	waitSubscribers(t, a, 0)
}

func TestRequestLogWebSocket(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{})
	srv := httptest.NewServer(a.server)
	t.Cleanup(srv.Close)

	stored := recordSimple(t, a, "http://example.com/stored")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/request_log/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	read := func() streamUpdate {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var u streamUpdate
		require.NoError(t, conn.ReadJSON(&u))
		return u
	}

	u := read()
	require.NotNil(t, u.Add)
	assert.Equal(t, stored, u.Add.TraceID)
	waitSubscribers(t, a, 1)

	live := recordSimple(t, a, "http://example.com/live")
	u = read()
	require.NotNil(t, u.Add)
	assert.Equal(t, live, u.Add.TraceID)

	a.deps.Bus.Clear()
	assert.True(t, read().Clear)

	require.NoError(t, conn.Close())
	waitSubscribers(t, a, 0)
}

func TestRequestLogWebSocketRequiresAuth(t *testing.T) {
	a := newTestAPI(t, authConfig)
	srv := httptest.NewServer(a.server)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/request_log/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _ := login(t, a)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, conn.Close())
}
