// Package exchange holds the data model of one intercepted request/response
// pair as it travels through the pipeline and the event bus.
package exchange

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Body encodings used in the JSON form of request and response payloads.
const (
	BodyEncodingText   = "text"
	BodyEncodingBase64 = "base64"
)

// RequestData is the request half of an exchange. URL is absolute.
type RequestData struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// ResponseData is the response half of an exchange.
type ResponseData struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// MessageEvent is one intercepted exchange identified by TraceID.
type MessageEvent struct {
	TraceID    string        `json:"traceId"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	RuleID     string        `json:"ruleId,omitempty"`
	ClientIP   string        `json:"clientIp"`
	Request    *RequestData  `json:"request"`
	Response   *ResponseData `json:"response,omitempty"`
	Errors     []string      `json:"errors"`
	Finalized  bool          `json:"finalized"`
}

// New starts an exchange with a fresh trace id.
func New(clientIP string, req *RequestData) *MessageEvent {
	return &MessageEvent{
		TraceID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
		ClientIP:  clientIP,
		Request:   req,
	}
}

// AddError appends a failure description.
func (e *MessageEvent) AddError(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err.Error())
	}
}

// Finish stamps the completion time.
func (e *MessageEvent) Finish(at time.Time) {
	at = at.UTC()
	e.FinishedAt = &at
}

// Duration is zero until the exchange is finished.
func (e *MessageEvent) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Clone returns a deep copy.
func (e *MessageEvent) Clone() *MessageEvent {
	if e == nil {
		return nil
	}
	out := *e
	if e.FinishedAt != nil {
		at := *e.FinishedAt
		out.FinishedAt = &at
	}
	out.Request = e.Request.Clone()
	out.Response = e.Response.Clone()
	out.Errors = slices.Clone(e.Errors)
	return &out
}

func (r *RequestData) Clone() *RequestData {
	if r == nil {
		return nil
	}
	return &RequestData{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header.Clone(),
		Body:   slices.Clone(r.Body),
	}
}

func (r *ResponseData) Clone() *ResponseData {
	if r == nil {
		return nil
	}
	return &ResponseData{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       slices.Clone(r.Body),
	}
}

type bodyJSON struct {
	Body         string `json:"body"`
	BodyEncoding string `json:"bodyEncoding"`
}

// Payload is a body as it appears in JSON: UTF-8 text verbatim, anything
// else base64 encoded.
type Payload struct {
	Body         string `json:"body"`
	BodyEncoding string `json:"bodyEncoding"`
	ContentType  string `json:"contentType,omitempty"`
}

// NewPayload encodes b for JSON output.
func NewPayload(b []byte, contentType string) Payload {
	enc := encodeBody(b)
	return Payload{Body: enc.Body, BodyEncoding: enc.BodyEncoding, ContentType: contentType}
}

func encodeBody(b []byte) bodyJSON {
	if utf8.Valid(b) {
		return bodyJSON{Body: string(b), BodyEncoding: BodyEncodingText}
	}
	return bodyJSON{Body: base64.StdEncoding.EncodeToString(b), BodyEncoding: BodyEncodingBase64}
}

func decodeBody(b bodyJSON) ([]byte, error) {
	if b.BodyEncoding == BodyEncodingBase64 {
		return base64.StdEncoding.DecodeString(b.Body)
	}
	if b.Body == "" {
		return nil, nil
	}
	return []byte(b.Body), nil
}

func headerOrEmpty(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h
}

func (r RequestData) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Method string      `json:"method"`
		URL    string      `json:"url"`
		Header http.Header `json:"headers"`
		bodyJSON
	}{r.Method, r.URL, headerOrEmpty(r.Header), encodeBody(r.Body)})
}

func (r *RequestData) UnmarshalJSON(data []byte) error {
	var wire struct {
		Method string      `json:"method"`
		URL    string      `json:"url"`
		Header http.Header `json:"headers"`
		bodyJSON
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	body, err := decodeBody(wire.bodyJSON)
	if err != nil {
		return err
	}
	*r = RequestData{Method: wire.Method, URL: wire.URL, Header: wire.Header, Body: body}
	return nil
}

func (r ResponseData) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		StatusCode int         `json:"statusCode"`
		Header     http.Header `json:"headers"`
		bodyJSON
	}{r.StatusCode, headerOrEmpty(r.Header), encodeBody(r.Body)})
}

func (r *ResponseData) UnmarshalJSON(data []byte) error {
	var wire struct {
		StatusCode int         `json:"statusCode"`
		Header     http.Header `json:"headers"`
		bodyJSON
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	body, err := decodeBody(wire.bodyJSON)
	if err != nil {
		return err
	}
	*r = ResponseData{StatusCode: wire.StatusCode, Header: wire.Header, Body: body}
	return nil
}

// MarshalJSON always emits an errors array.
func (e MessageEvent) MarshalJSON() ([]byte, error) {
	type alias MessageEvent
	if e.Errors == nil {
		e.Errors = []string{}
	}
	return json.Marshal(alias(e))
}
