package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/codec"
	"github.com/codefionn/umleitung/umleitung-srv/exchange"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enabled(order int) rules.HandlerBase {
	return rules.HandlerBase{Enabled: true, ExecutionOrder: order}
}

func ptr[T any](v T) *T { return &v }

func newEvent() *exchange.MessageEvent {
	ev := exchange.New("127.0.0.1", &exchange.RequestData{
		Method: http.MethodGet,
		URL:    "https://api.example.com/v1/users?page=2",
		Header: http.Header{"Accept": {"application/json"}},
	})
	ev.Response = &exchange.ResponseData{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}, "X-Upstream": {"yes"}},
		Body:       []byte(`{"user":{"name":"alice","age":30},"items":[1,2]}`),
	}
	return ev
}

func newRule(handlers ...rules.Handler) *rules.Rule {
	return &rules.Rule{ID: "rule-1", Name: "test", Enabled: true, Handlers: handlers}
}

type recordingObserver struct {
	mu    sync.Mutex
	kinds []rules.HandlerKind
	errs  int
}

func (o *recordingObserver) ObserveHandler(kind rules.HandlerKind, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kinds = append(o.kinds, kind)
	if err != nil {
		o.errs++
	}
}

func TestModifyResponseStatusOnly(t *testing.T) {
	p := New(nil)
	ev := newEvent()
	rule := newRule(&rules.ModifyResponseHandler{HandlerBase: enabled(0), StatusCode: ptr(503)})

	out, err := p.AfterResponse(context.Background(), rule, ev)
	require.NoError(t, err)
	assert.Equal(t, 503, out.Response.StatusCode)
	assert.Equal(t, ev.Response.Header, out.Response.Header)
	assert.Equal(t, ev.Response.Body, out.Response.Body)
	assert.Equal(t, http.StatusOK, ev.Response.StatusCode, "input event untouched")
}

func TestModifyResponseFields(t *testing.T) {
	p := New(nil)
	rule := newRule(&rules.ModifyResponseHandler{
		HandlerBase:   enabled(0),
		Headers:       map[string]string{"X-Mocked": "1"},
		RemoveHeaders: []string{"X-Upstream"},
		JSONPatch: []rules.JSONPatchOp{
			{Path: "user.name", Value: json.RawMessage(`"bob"`)},
			{Path: "user.age", Delete: true},
			{Path: "items.-1", Value: json.RawMessage(`3`)},
		},
	})

	out, err := p.AfterResponse(context.Background(), rule, newEvent())
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":{"name":"bob"},"items":[1,2,3]}`, string(out.Response.Body))
	assert.Equal(t, "1", out.Response.Header.Get("X-Mocked"))
	assert.Empty(t, out.Response.Header.Get("X-Upstream"))
	assert.Equal(t, "application/json", out.Response.Header.Get("Content-Type"))
}

func TestModifyBodyDecodesCompressedUpstream(t *testing.T) {
	p := New(nil)
	ev := newEvent()
	encoded, err := codec.Encode(ev.Response.Body, "gzip")
	require.NoError(t, err)
	ev.Response.Body = encoded
	ev.Response.Header.Set("Content-Encoding", "gzip")

	rule := newRule(&rules.ModifyResponseHandler{
		HandlerBase: enabled(0),
		JSONPatch:   []rules.JSONPatchOp{{Path: "user.name", Value: json.RawMessage(`"carol"`)}},
	})
	out, err := p.AfterResponse(context.Background(), rule, ev)
	require.NoError(t, err)
	assert.Empty(t, out.Response.Header.Get("Content-Encoding"))
	assert.Equal(t, "carol", mustName(t, out.Response.Body))
	assert.Equal(t, "48", out.Response.Header.Get("Content-Length"))
}

func mustName(t *testing.T, body []byte) string {
	var doc struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	return doc.User.Name
}

func TestLastWriteWinsAndOrder(t *testing.T) {
	p := New(nil)
	rule := newRule(
		&rules.ModifyResponseHandler{HandlerBase: enabled(2), ModifyBody: ptr("second")},
		&rules.ModifyResponseHandler{HandlerBase: enabled(1), ModifyBody: ptr("first"), StatusCode: ptr(201)},
		&rules.ModifyResponseHandler{HandlerBase: rules.HandlerBase{Enabled: false, ExecutionOrder: 3}, ModifyBody: ptr("disabled")},
	)
	out, err := p.AfterResponse(context.Background(), rule, newEvent())
	require.NoError(t, err)
	assert.Equal(t, "second", string(out.Response.Body))
	assert.Equal(t, 201, out.Response.StatusCode, "fields not overwritten later survive")
}

func TestFailingHandlerIsIsolated(t *testing.T) {
	obs := &recordingObserver{}
	p := New(obs)
	ev := newEvent()
	ev.Response.Body = []byte("not json")

	rule := newRule(
		&rules.ModifyResponseHandler{HandlerBase: enabled(0), StatusCode: ptr(202)},
		&rules.ModifyResponseHandler{
			HandlerBase: enabled(1),
			StatusCode:  ptr(500),
			JSONPatch:   []rules.JSONPatchOp{{Path: "a", Value: json.RawMessage(`1`)}},
		},
		&rules.ModifyResponseHandler{HandlerBase: enabled(2), Headers: map[string]string{"X-After": "ok"}},
	)
	out, err := p.AfterResponse(context.Background(), rule, ev)
	require.NoError(t, err)

	assert.Equal(t, 202, out.Response.StatusCode, "failed handler left no partial effects")
	assert.Equal(t, "not json", string(out.Response.Body))
	assert.Equal(t, "ok", out.Response.Header.Get("X-After"))
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0], "handler 1 (modifyResponse) of rule rule-1 failed")
	assert.Equal(t, 1, obs.errs)
	assert.Len(t, obs.kinds, 3)

	herr := &HandlerExecutionError{RuleID: "r", Index: 2, Type: rules.HandlerDelay, Cause: context.Canceled}
	assert.True(t, errors.Is(herr, context.Canceled))
}

func TestModifyRequest(t *testing.T) {
	p := New(nil)
	ev := newEvent()
	ev.Request.Body = []byte(`{"q":1}`)
	rule := newRule(&rules.ModifyRequestHandler{
		HandlerBase:   enabled(0),
		Method:        "post",
		Headers:       map[string]string{"Authorization": "Bearer x"},
		RemoveHeaders: []string{"Accept"},
		JSONPatch:     []rules.JSONPatchOp{{Path: "q", Value: json.RawMessage(`2`)}},
	})

	out, err := p.BeforeRequest(context.Background(), rule, ev)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, out.Request.Method)
	assert.Equal(t, `{"q":2}`, string(out.Request.Body))
	assert.Equal(t, "Bearer x", out.Request.Header.Get("Authorization"))
	assert.Empty(t, out.Request.Header.Get("Accept"))
	assert.Equal(t, "7", out.Request.Header.Get("Content-Length"))
	assert.Equal(t, 200, out.Response.StatusCode, "request phase never touches the response")
}

func TestProxyPass(t *testing.T) {
	tests := []struct {
		name   string
		target string
		url    string
		want   string
	}{
		{"host swap", "http://localhost:8080", "https://api.example.com/v1/users?page=2", "http://localhost:8080/v1/users?page=2"},
		{"base path", "http://mock.local/base/", "https://api.example.com/v1/users?page=2", "http://mock.local/base/v1/users?page=2"},
		{"root request", "http://mock.local/base", "https://api.example.com", "http://mock.local/base/"},
		{"target query as default", "http://mock.local/?env=test", "https://api.example.com/x", "http://mock.local/x?env=test"},
	}
	p := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newEvent()
			ev.Request.URL = tt.url
			ev.Request.Header.Set("Host", "api.example.com")
			out, err := p.BeforeRequest(context.Background(), newRule(&rules.ProxyPassHandler{HandlerBase: enabled(0), TargetURI: tt.target}), ev)
			require.NoError(t, err)
			require.Empty(t, out.Errors)
			assert.Equal(t, tt.want, out.Request.URL)
			assert.Equal(t, http.MethodGet, out.Request.Method)
			assert.Empty(t, out.Request.Header.Get("Host"))
			assert.Equal(t, "application/json", out.Request.Header.Get("Accept"))
		})
	}

	out, err := p.BeforeRequest(context.Background(), newRule(&rules.ProxyPassHandler{HandlerBase: enabled(0), TargetURI: "/relative"}), newEvent())
	require.NoError(t, err)
	assert.Len(t, out.Errors, 1)
}

func TestDelayBeforeRequestOnly(t *testing.T) {
	p := New(nil)
	rule := newRule(&rules.DelayHandler{HandlerBase: enabled(0), DelayMs: 1000, DelayType: rules.DelayBeforeRequest})

	start := time.Now()
	ev, err := p.BeforeRequest(context.Background(), rule, newEvent())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	start = time.Now()
	_, err = p.AfterResponse(context.Background(), rule, ev)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestDelayCancellation(t *testing.T) {
	p := New(nil)
	rule := newRule(
		&rules.DelayHandler{HandlerBase: enabled(0), DelayMs: 10_000, DelayType: rules.DelayBoth},
		&rules.ModifyResponseHandler{HandlerBase: enabled(1), StatusCode: ptr(418)},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := p.AfterResponse(ctx, rule, newEvent())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, http.StatusOK, out.Response.StatusCode, "aborted pipeline stops before later handlers")
}

func TestDelayJitter(t *testing.T) {
	tests := []struct {
		name     string
		delay    int64
		variance int64
		draw     int64
		want     time.Duration
	}{
		{"no variance", 250, 0, 0, 250 * time.Millisecond},
		{"lowest draw", 100, 50, 0, 50 * time.Millisecond},
		{"highest draw", 100, 50, 100, 150 * time.Millisecond},
		{"clamped at zero", 10, 50, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(nil)
			p.jitter = func(n int64) int64 {
				assert.Equal(t, 2*tt.variance+1, n)
				return tt.draw
			}
			got := p.delayFor(&rules.DelayHandler{DelayMs: tt.delay, VarianceMs: tt.variance})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestModifyResponseWithoutUpstream(t *testing.T) {
	p := New(nil)
	ev := newEvent()
	ev.Response = nil
	rule := newRule(&rules.ModifyResponseHandler{HandlerBase: enabled(0), ModifyBody: ptr("mocked")})

	out, err := p.Apply(context.Background(), rule, ev)
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.Equal(t, http.StatusOK, out.Response.StatusCode)
	assert.Equal(t, "mocked", string(out.Response.Body))
}

func TestNilRule(t *testing.T) {
	ev := newEvent()
	out, err := New(nil).Apply(context.Background(), nil, ev)
	require.NoError(t, err)
	assert.Equal(t, ev, out)
}
