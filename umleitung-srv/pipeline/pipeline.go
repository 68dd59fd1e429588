// Package pipeline executes the handler chain of a matched rule against an
// exchange. The request phase runs before the upstream round trip, the
// response phase after it.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/exchange"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
)

// Phase is the point in an exchange at which handlers run.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
)

func (p Phase) String() string {
	if p == PhaseRequest {
		return "request"
	}
	return "response"
}

// Observer is notified after every executed handler.
type Observer interface {
	ObserveHandler(kind rules.HandlerKind, elapsed time.Duration, err error)
}

// Pipeline runs handler chains. It holds no per-exchange state and is safe
// for concurrent use.
type Pipeline struct {
	observer Observer
	// jitter returns a uniform value in [0, n).
	jitter func(n int64) int64
}

// New returns a pipeline reporting to observer, which may be nil.
func New(observer Observer) *Pipeline {
	return &Pipeline{observer: observer, jitter: rand.Int64N}
}

// Apply runs both phases back to back without an upstream round trip.
func (p *Pipeline) Apply(ctx context.Context, rule *rules.Rule, ev *exchange.MessageEvent) (*exchange.MessageEvent, error) {
	ev, err := p.BeforeRequest(ctx, rule, ev)
	if err != nil {
		return ev, err
	}
	return p.AfterResponse(ctx, rule, ev)
}

// BeforeRequest runs delay (beforeRequest, both), modifyRequest and
// proxyPass handlers. The input event is not modified.
func (p *Pipeline) BeforeRequest(ctx context.Context, rule *rules.Rule, ev *exchange.MessageEvent) (*exchange.MessageEvent, error) {
	return p.run(ctx, PhaseRequest, rule, ev)
}

// AfterResponse runs delay (afterRequest, both) and modifyResponse handlers.
// The input event is not modified.
func (p *Pipeline) AfterResponse(ctx context.Context, rule *rules.Rule, ev *exchange.MessageEvent) (*exchange.MessageEvent, error) {
	return p.run(ctx, PhaseResponse, rule, ev)
}

type indexedHandler struct {
	index int
	h     rules.Handler
}

// ordered returns the enabled handlers sorted by execution order. Handlers
// with equal order keep their list position.
func ordered(list []rules.Handler) []indexedHandler {
	out := make([]indexedHandler, 0, len(list))
	for i, h := range list {
		if h == nil || !h.Common().Enabled {
			continue
		}
		out = append(out, indexedHandler{index: i, h: h})
	}
	slices.SortStableFunc(out, func(a, b indexedHandler) int {
		return cmp.Compare(a.h.Common().ExecutionOrder, b.h.Common().ExecutionOrder)
	})
	return out
}

func (p *Pipeline) run(ctx context.Context, phase Phase, rule *rules.Rule, ev *exchange.MessageEvent) (*exchange.MessageEvent, error) {
	working := ev.Clone()
	if rule == nil {
		return working, nil
	}

	for _, ih := range ordered(rule.Handlers) {
		if !runsIn(ih.h, phase) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return working, err
		}

		start := time.Now()
		next := working.Clone()
		err := p.execute(ctx, phase, ih.h, next)
		if p.observer != nil {
			p.observer.ObserveHandler(ih.h.Kind(), time.Since(start), err)
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return working, err
			}
			herr := &HandlerExecutionError{RuleID: rule.ID, Index: ih.index, Type: ih.h.Kind(), Cause: err}
			logger.Warn("[%s] %v", working.TraceID, herr)
			working.AddError(herr)
			continue
		}
		logger.Trace("[%s] %s handler %d of rule %s applied in %s phase", working.TraceID, ih.h.Kind(), ih.index, rule.ID, phase)
		working = next
	}
	return working, nil
}

func runsIn(h rules.Handler, phase Phase) bool {
	switch t := h.(type) {
	case *rules.DelayHandler:
		switch t.DelayType {
		case rules.DelayBoth:
			return true
		case rules.DelayAfterRequest:
			return phase == PhaseResponse
		default:
			return phase == PhaseRequest
		}
	case *rules.ModifyRequestHandler, *rules.ProxyPassHandler:
		return phase == PhaseRequest
	case *rules.ModifyResponseHandler:
		return phase == PhaseResponse
	default:
		// unknown variants are reported by execute
		return true
	}
}

func (p *Pipeline) execute(ctx context.Context, phase Phase, h rules.Handler, ev *exchange.MessageEvent) error {
	switch t := h.(type) {
	case *rules.DelayHandler:
		return wait(ctx, p.delayFor(t))
	case *rules.ModifyRequestHandler:
		return modifyRequest(t, ev)
	case *rules.ModifyResponseHandler:
		return modifyResponse(t, ev)
	case *rules.ProxyPassHandler:
		return proxyPass(t, ev)
	default:
		return fmt.Errorf("unknown handler variant %T in %s phase", h, phase)
	}
}

// delayFor returns DelayMs shifted by a uniform jitter in
// [-VarianceMs, VarianceMs], never negative.
func (p *Pipeline) delayFor(h *rules.DelayHandler) time.Duration {
	ms := h.DelayMs
	if h.VarianceMs > 0 {
		ms += p.jitter(2*h.VarianceMs+1) - h.VarianceMs
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func modifyRequest(h *rules.ModifyRequestHandler, ev *exchange.MessageEvent) error {
	req := ev.Request
	if req == nil {
		return fmt.Errorf("exchange has no request")
	}
	if h.Method != "" {
		req.Method = strings.ToUpper(h.Method)
	}
	body, header, err := editBody(req.Body, req.Header, h.ModifyBody, h.JSONPatch)
	if err != nil {
		return err
	}
	req.Body = body
	req.Header = applyHeaders(header, h.RemoveHeaders, h.Headers)
	return nil
}

// modifyResponse overwrites the fields the handler sets. Without an upstream
// response (for example after a connect failure) it synthesizes one with
// status 200.
func modifyResponse(h *rules.ModifyResponseHandler, ev *exchange.MessageEvent) error {
	if ev.Response == nil {
		ev.Response = &exchange.ResponseData{StatusCode: http.StatusOK, Header: http.Header{}}
	}
	resp := ev.Response
	if h.StatusCode != nil {
		resp.StatusCode = *h.StatusCode
	}
	body, header, err := editBody(resp.Body, resp.Header, h.ModifyBody, h.JSONPatch)
	if err != nil {
		return err
	}
	resp.Body = body
	resp.Header = applyHeaders(header, h.RemoveHeaders, h.Headers)
	return nil
}

// proxyPass points the request at the target's scheme and host. A target
// path is used as base path; the request's path and query are kept.
func proxyPass(h *rules.ProxyPassHandler, ev *exchange.MessageEvent) error {
	req := ev.Request
	if req == nil {
		return fmt.Errorf("exchange has no request")
	}
	target, err := url.Parse(h.TargetURI)
	if err != nil {
		return fmt.Errorf("invalid target uri: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return fmt.Errorf("invalid target uri %q: scheme and host required", h.TargetURI)
	}
	orig, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("invalid request url: %w", err)
	}

	next := *orig
	next.Scheme = target.Scheme
	next.Host = target.Host
	next.User = target.User
	if base := strings.TrimSuffix(target.Path, "/"); base != "" {
		next.Path = base + "/" + strings.TrimPrefix(orig.Path, "/")
		next.RawPath = ""
	}
	if next.RawQuery == "" {
		next.RawQuery = target.RawQuery
	}
	req.URL = next.String()
	if req.Header != nil {
		req.Header.Del("Host")
	}
	return nil
}
