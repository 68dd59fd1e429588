package rules

import (
	"encoding/json"
	"fmt"
)

// HandlerKind is the JSON discriminator of a Handler.
type HandlerKind string

const (
	HandlerDelay          HandlerKind = "delay"
	HandlerModifyRequest  HandlerKind = "modifyRequest"
	HandlerModifyResponse HandlerKind = "modifyResponse"
	HandlerProxyPass      HandlerKind = "proxyPass"
)

// Handler is one step of a rule's handler chain. The set of variants is
// closed: DelayHandler, ModifyRequestHandler, ModifyResponseHandler and
// ProxyPassHandler.
type Handler interface {
	Kind() HandlerKind
	Common() HandlerBase
	handler()
}

// HandlerBase holds the fields shared by every handler.
type HandlerBase struct {
	Enabled        bool `json:"enabled"`
	ExecutionOrder int  `json:"executionOrder"`
}

func (b HandlerBase) Common() HandlerBase { return b }

// DelayType selects the phase(s) a delay applies to.
type DelayType string

const (
	DelayBeforeRequest DelayType = "beforeRequest"
	DelayAfterRequest  DelayType = "afterRequest"
	DelayBoth          DelayType = "both"
)

// DelayHandler waits DelayMs plus a uniform jitter in [-VarianceMs, VarianceMs].
type DelayHandler struct {
	HandlerBase
	DelayMs    int64     `json:"delayMs"`
	VarianceMs int64     `json:"varianceMs"`
	DelayType  DelayType `json:"delayType"`
}

// JSONPatchOp sets (or, with Delete, removes) the value at Path of a JSON
// body. Path uses gjson/sjson syntax, e.g. "data.items.0.name".
type JSONPatchOp struct {
	Path   string          `json:"path"`
	Value  json.RawMessage `json:"value,omitempty"`
	Delete bool            `json:"delete,omitempty"`
}

// ModifyRequestHandler rewrites the request before it is forwarded.
type ModifyRequestHandler struct {
	HandlerBase
	Method        string            `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	RemoveHeaders []string          `json:"removeHeaders,omitempty"`
	ModifyBody    *string           `json:"modifyBody,omitempty"`
	JSONPatch     []JSONPatchOp     `json:"jsonPatch,omitempty"`
}

// ModifyResponseHandler overwrites the parts of the response it sets;
// everything else passes through from upstream.
type ModifyResponseHandler struct {
	HandlerBase
	StatusCode    *int              `json:"statusCode,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	RemoveHeaders []string          `json:"removeHeaders,omitempty"`
	ModifyBody    *string           `json:"modifyBody,omitempty"`
	JSONPatch     []JSONPatchOp     `json:"jsonPatch,omitempty"`
}

// ProxyPassHandler sends the request to TargetURI instead of the original
// host. Path suffix and query of the request are preserved.
type ProxyPassHandler struct {
	HandlerBase
	TargetURI string `json:"targetUri"`
}

func (*DelayHandler) Kind() HandlerKind          { return HandlerDelay }
func (*ModifyRequestHandler) Kind() HandlerKind  { return HandlerModifyRequest }
func (*ModifyResponseHandler) Kind() HandlerKind { return HandlerModifyResponse }
func (*ProxyPassHandler) Kind() HandlerKind      { return HandlerProxyPass }

func (*DelayHandler) handler()          {}
func (*ModifyRequestHandler) handler()  {}
func (*ModifyResponseHandler) handler() {}
func (*ProxyPassHandler) handler()      {}

func (h *DelayHandler) MarshalJSON() ([]byte, error) {
	type alias DelayHandler
	return marshalTagged(HandlerDelay, (*alias)(h))
}

func (h *ModifyRequestHandler) MarshalJSON() ([]byte, error) {
	type alias ModifyRequestHandler
	return marshalTagged(HandlerModifyRequest, (*alias)(h))
}

func (h *ModifyResponseHandler) MarshalJSON() ([]byte, error) {
	type alias ModifyResponseHandler
	return marshalTagged(HandlerModifyResponse, (*alias)(h))
}

func (h *ProxyPassHandler) MarshalJSON() ([]byte, error) {
	type alias ProxyPassHandler
	return marshalTagged(HandlerProxyPass, (*alias)(h))
}

// marshalTagged encodes v and prepends the "type" discriminator.
func marshalTagged(kind HandlerKind, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// ParseHandler decodes a handler from its JSON form. A missing "enabled"
// field means enabled.
func ParseHandler(data []byte) (Handler, error) {
	var head struct {
		Type HandlerKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid handler: %w", err)
	}

	base := HandlerBase{Enabled: true}
	var h Handler
	switch head.Type {
	case HandlerDelay:
		h = &DelayHandler{HandlerBase: base, DelayType: DelayBeforeRequest}
	case HandlerModifyRequest:
		h = &ModifyRequestHandler{HandlerBase: base}
	case HandlerModifyResponse:
		h = &ModifyResponseHandler{HandlerBase: base}
	case HandlerProxyPass:
		h = &ProxyPassHandler{HandlerBase: base}
	case "":
		return nil, fmt.Errorf("handler type missing")
	default:
		return nil, fmt.Errorf("unknown handler type %q", head.Type)
	}

	if err := json.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("invalid %s handler: %w", head.Type, err)
	}
	return h, nil
}
