// Package rules defines capture rules: a condition selecting requests and an
// ordered chain of handlers applied to them.
package rules

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Rule is a persisted capture rule. Higher Priority is evaluated first; Seq
// (assigned by the store, monotonically increasing) breaks ties.
type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Group       string    `json:"group"`
	Enabled     bool      `json:"enabled"`
	Priority    int       `json:"priority"`
	Capture     Condition `json:"capture"`
	Handlers    []Handler `json:"handlers"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Content is the user-editable part of a rule.
type Content struct {
	Capture  Condition `json:"capture"`
	Handlers []Handler `json:"handlers"`
}

type ruleWire struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Group       string            `json:"group"`
	Enabled     *bool             `json:"enabled"`
	Priority    int               `json:"priority"`
	Capture     json.RawMessage   `json:"capture"`
	Handlers    []json.RawMessage `json:"handlers"`
	Seq         int64             `json:"seq"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// UnmarshalJSON decodes the tagged capture and handler variants. A missing
// "enabled" field means enabled.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var w ruleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	capture, handlers, err := parseContent(w.Capture, w.Handlers)
	if err != nil {
		return err
	}

	*r = Rule{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Group:       w.Group,
		Enabled:     w.Enabled == nil || *w.Enabled,
		Priority:    w.Priority,
		Capture:     capture,
		Handlers:    handlers,
		Seq:         w.Seq,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
	return nil
}

func (r Rule) MarshalJSON() ([]byte, error) {
	type alias Rule
	a := alias(r)
	if a.Handlers == nil {
		a.Handlers = []Handler{}
	}
	return json.Marshal(a)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var w struct {
		Capture  json.RawMessage   `json:"capture"`
		Handlers []json.RawMessage `json:"handlers"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	capture, handlers, err := parseContent(w.Capture, w.Handlers)
	if err != nil {
		return err
	}
	c.Capture, c.Handlers = capture, handlers
	return nil
}

func parseContent(rawCapture json.RawMessage, rawHandlers []json.RawMessage) (Condition, []Handler, error) {
	var capture Condition
	if len(rawCapture) > 0 && string(rawCapture) != "null" {
		c, err := ParseCondition(rawCapture)
		if err != nil {
			return nil, nil, fmt.Errorf("capture: %w", err)
		}
		capture = c
	}

	handlers := make([]Handler, 0, len(rawHandlers))
	for i, raw := range rawHandlers {
		h, err := ParseHandler(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("handlers[%d]: %w", i, err)
		}
		handlers = append(handlers, h)
	}
	return capture, handlers, nil
}

// Clone returns a deep copy of the rule, so callers may edit it without
// affecting published snapshots.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	out.Capture = CloneCondition(r.Capture)
	out.Handlers = make([]Handler, len(r.Handlers))
	for i, h := range r.Handlers {
		out.Handlers[i] = CloneHandler(h)
	}
	return &out
}

// CloneCondition deep-copies a condition tree.
func CloneCondition(c Condition) Condition {
	switch t := c.(type) {
	case *SimpleCondition:
		out := *t
		if t.Headers != nil {
			out.Headers = make(map[string]string, len(t.Headers))
			for k, v := range t.Headers {
				out.Headers[k] = v
			}
		}
		return &out
	case *AndCondition:
		return &AndCondition{Conditions: cloneConditions(t.Conditions)}
	case *OrCondition:
		return &OrCondition{Conditions: cloneConditions(t.Conditions)}
	default:
		return nil
	}
}

func cloneConditions(list []Condition) []Condition {
	out := make([]Condition, len(list))
	for i, c := range list {
		out[i] = CloneCondition(c)
	}
	return out
}

// CloneHandler deep-copies a handler.
func CloneHandler(h Handler) Handler {
	switch t := h.(type) {
	case *DelayHandler:
		out := *t
		return &out
	case *ModifyRequestHandler:
		out := *t
		out.Headers = cloneHeaders(t.Headers)
		out.RemoveHeaders = slices.Clone(t.RemoveHeaders)
		out.ModifyBody = clonePtr(t.ModifyBody)
		out.JSONPatch = clonePatch(t.JSONPatch)
		return &out
	case *ModifyResponseHandler:
		out := *t
		out.StatusCode = clonePtr(t.StatusCode)
		out.Headers = cloneHeaders(t.Headers)
		out.RemoveHeaders = slices.Clone(t.RemoveHeaders)
		out.ModifyBody = clonePtr(t.ModifyBody)
		out.JSONPatch = clonePatch(t.JSONPatch)
		return &out
	case *ProxyPassHandler:
		out := *t
		return &out
	default:
		return nil
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func clonePatch(ops []JSONPatchOp) []JSONPatchOp {
	if ops == nil {
		return nil
	}
	out := make([]JSONPatchOp, len(ops))
	for i, op := range ops {
		out[i] = op
		out[i].Value = slices.Clone(op.Value)
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
