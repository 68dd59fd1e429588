package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/codec"
	"github.com/codefionn/umleitung/umleitung-srv/eventbus"
	"github.com/codefionn/umleitung/umleitung-srv/exchange"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/gorilla/websocket"
)

const (
	streamKeepAlive = 15 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsPongTimeout   = 60 * time.Second
)

func (s *Server) event(w http.ResponseWriter, r *http.Request, names ...string) (*exchange.MessageEvent, bool) {
	id, ok := queryID(w, r, names...)
	if !ok {
		return nil, false
	}
	ev, err := s.deps.Bus.Get(id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return ev, true
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.event(w, r, "id", "requestId")
	if !ok {
		return
	}
	writeOK(w, ev)
}

func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.event(w, r, "requestId", "id")
	if !ok {
		return
	}
	if ev.Response == nil {
		writeError(w, r, &rules.NotFoundError{Resource: "response of request", ID: ev.TraceID})
		return
	}
	writeOK(w, ev.Response)
}

func (s *Server) handleRequestBody(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.event(w, r, "id", "requestId")
	if !ok {
		return
	}
	writeOK(w, displayPayload(ev.Request.Body, ev.Request.Header))
}

func (s *Server) handleResponseBody(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.event(w, r, "requestId", "id")
	if !ok {
		return
	}
	if ev.Response == nil {
		writeError(w, r, &rules.NotFoundError{Resource: "response of request", ID: ev.TraceID})
		return
	}
	writeOK(w, displayPayload(ev.Response.Body, ev.Response.Header))
}

// displayPayload decodes compressed bodies. Undecodable bodies are returned
// as stored.
func displayPayload(body []byte, h http.Header) exchange.Payload {
	if h == nil {
		h = http.Header{}
	}
	decoded, _, err := codec.DecodeHeader(body, h)
	if err != nil {
		logger.Debug("Showing body undecoded: %v", err)
		decoded = body
	}
	return exchange.NewPayload(decoded, h.Get("Content-Type"))
}

func (s *Server) handleCurl(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.event(w, r, "id", "requestId")
	if !ok {
		return
	}
	writeOK(w, exchange.Curl(ev.Request))
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.deps.Bus.Clear()
	writeOK(w, nil)
}

// handleRequestLog streams the request log: the stored events as adds,
// followed by live updates. Clients accepting text/event-stream receive
// server-sent events, all others newline-delimited JSON.
func (s *Server) handleRequestLog(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeEnvelope(w, http.StatusInternalServerError, CodeInternalServerError, "streaming not supported", nil)
		return
	}
	sse := strings.Contains(r.Header.Get("Accept"), "text/event-stream")

	sub := s.deps.Bus.Subscribe(r.Context())
	defer sub.Close()

	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(u eventbus.Update) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		if sse {
			_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		} else {
			_, err = fmt.Fprintf(w, "%s\n", data)
		}
		if err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, ev := range sub.Backlog {
		if err := write(eventbus.Update{Add: ev}); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	logger.Debug("Request log stream opened for %s (sse=%t)", r.RemoteAddr, sse)
	defer logger.Debug("Request log stream closed for %s", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			if err := write(u); err != nil {
				return
			}
		case <-keepAlive.C:
			if !sse {
				continue
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleRequestLogWS is handleRequestLog over a WebSocket, one update per
// text message.
func (s *Server) handleRequestLogWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Request log WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the read loop only handles control frames and notices a closed peer
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sub := s.deps.Bus.Subscribe(ctx)
	defer sub.Close()

	write := func(u eventbus.Update) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(u)
	}
	for _, ev := range sub.Backlog {
		if err := write(eventbus.Update{Add: ev}); err != nil {
			return
		}
	}

	ping := time.NewTicker(streamKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case u, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind"), time.Now().Add(time.Second))
				return
			}
			if err := write(u); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
