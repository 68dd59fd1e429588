package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeUnknownProxyType     = "E1007"
	ErrCodeListenerCreateFailed = "E1008"
	ErrCodeInvalidServerConfig  = "E1010"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionFailed      = "E2001"
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeInvalidAddress        = "E2006"
	ErrCodeDialFailed            = "E2009"
	ErrCodeUpstreamConnectFailed = "E2010"

	// TLS and Certificate Errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed   = "E3001"
	ErrCodeCertGenerationFailed = "E3002"
	ErrCodeNoSNIHostname        = "E3004"
	ErrCodeTLSUpstreamFailed    = "E3007"

	// HTTP/HTTPS Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed  = "E4001"
	ErrCodeHTTPResponseReadFailed = "E4002"
	ErrCodeHTTPBodyReadFailed     = "E4005"
	ErrCodeHTTPForwardFailed      = "E4007"
	ErrCodeHTTPHijackFailed       = "E4008"
	ErrCodeHTTPHijackNotSupported = "E4009"

	// WebSocket Errors (E5000-E5999)
	ErrCodeWebSocketUpstreamError = "E5005"
	ErrCodeWebSocketTunnelFailed  = "E5006"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed    = "E6001"
	ErrCodeSOCKS5ConnectFailed   = "E6002"
	ErrCodeHTTPProxyDialFailed   = "E6003"
	ErrCodeCONNECTRequestFailed  = "E6005"
	ErrCodeCONNECTResponseFailed = "E6006"
	ErrCodeProxyDenied           = "E6008"
	ErrCodeForwardRuleError      = "E6009"

	// Interception and Modification Errors (E8000-E8999)
	ErrCodeRequestHandlersFailed  = "E8002"
	ErrCodeResponseHandlersFailed = "E8003"

	// Resource and Limit Errors (E9000-E9899)
	ErrCodeTimeoutExceeded = "E9003"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError   = "E9901"
	ErrCodePanicRecovered  = "E9903"
	ErrCodeUnexpectedError = "E9902"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeUnknownProxyType:     "Unknown or unsupported forward type",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",

	ErrCodeConnectionFailed:      "Failed to establish network connection",
	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeInvalidAddress:        "Invalid network address format",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",

	ErrCodeTLSHandshakeFailed:   "TLS handshake failed",
	ErrCodeCertGenerationFailed: "Failed to generate SSL certificate",
	ErrCodeNoSNIHostname:        "No SNI hostname provided in TLS handshake",
	ErrCodeTLSUpstreamFailed:    "TLS handshake with upstream server failed",

	ErrCodeHTTPRequestReadFailed:  "Failed to read HTTP request",
	ErrCodeHTTPResponseReadFailed: "Failed to read HTTP response",
	ErrCodeHTTPBodyReadFailed:     "Failed to read HTTP message body",
	ErrCodeHTTPForwardFailed:      "Failed to forward HTTP request",
	ErrCodeHTTPHijackFailed:       "Failed to hijack HTTP connection",
	ErrCodeHTTPHijackNotSupported: "HTTP connection hijacking not supported",

	ErrCodeWebSocketUpstreamError: "WebSocket upstream connection error",
	ErrCodeWebSocketTunnelFailed:  "WebSocket tunnel establishment failed",

	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:   "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:   "Failed to dial HTTP proxy server",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeProxyDenied:           "Proxy request denied",
	ErrCodeForwardRuleError:      "Error in forwarding rule evaluation",

	ErrCodeRequestHandlersFailed:  "Request handlers of the matched rule were aborted",
	ErrCodeResponseHandlersFailed: "Response handlers of the matched rule were aborted",

	ErrCodeTimeoutExceeded: "Operation timeout exceeded",

	ErrCodeInternalError:   "Internal proxy error",
	ErrCodeUnexpectedError: "Unexpected error occurred",
	ErrCodePanicRecovered:  "Recovered from panic condition",
}

// NewConfigurationError creates a configuration-related error
func NewConfigurationError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewTLSError creates a TLS-related error
func NewTLSError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewHTTPError creates an HTTP-related error
func NewHTTPError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewProxyChainError creates a proxy chain-related error
func NewProxyChainError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewInterceptionError creates an interception-related error
func NewInterceptionError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewInternalError creates an internal error
func NewInternalError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// UpstreamConnectError reports that the upstream of an exchange could not
// be reached. The client receives a 502 page carrying Code; the request is
// not retried.
type UpstreamConnectError struct {
	Target string
	Code   string
	Cause  error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("[%s] upstream %s unreachable: %v", e.Code, e.Target, e.Cause)
}

func (e *UpstreamConnectError) Unwrap() error {
	return e.Cause
}

// newUpstreamConnectError keeps the code of a coded cause, such as a failed
// SOCKS5 hop, and falls back to ErrCodeUpstreamConnectFailed.
func newUpstreamConnectError(target string, cause error) *UpstreamConnectError {
	code := ErrCodeUpstreamConnectFailed
	var perr *Error
	if errors.As(cause, &perr) {
		code = perr.Code
	}
	return &UpstreamConnectError{Target: target, Code: code, Cause: cause}
}

func codeOf(err error) (string, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code, true
	}
	var uerr *UpstreamConnectError
	if errors.As(err, &uerr) {
		return uerr.Code, true
	}
	return "", false
}

func inRange(err error, from, to string) bool {
	code, ok := codeOf(err)
	return ok && code >= from && code < to
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool { return inRange(err, "E2000", "E3000") }

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool { return inRange(err, "E3000", "E4000") }

// IsHTTPError checks if the error is HTTP-related
func IsHTTPError(err error) bool { return inRange(err, "E4000", "E6000") }

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool { return inRange(err, "E6000", "E7000") }

// IsInterceptionError checks if the error is interception-related
func IsInterceptionError(err error) bool { return inRange(err, "E8000", "E9000") }

// IsInternalError checks if the error is internal/system-related
func IsInternalError(err error) bool { return inRange(err, "E9900", "F") }

// NewBadGatewayResponse creates an HTTP 502 Bad Gateway response from an error code.
// It populates the response body with the error code and its description in HTML format.
func NewBadGatewayResponse(errorCode string) *http.Response {
	description := GetErrorDescription(errorCode)
	title := "502 Bad Gateway"
	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; color: #333; }
        .error-code { font-weight: bold; color: #c9302c; }
    </style>
</head>
<body>
    <h1>%s</h1>
    <p>umleitung could not reach the upstream server for this request.</p>
    <p><span class="error-code">Error Code:</span> %s</p>
    <p><span class="error-code">Description:</span> %s</p>
</body>
</html>`, title, title, errorCode, description)

	bodyBytes := []byte(htmlBody)

	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(bodyBytes)))
	header.Set("X-Proxy-Error", errorCode)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
	}
}

// writeProxyErrorResponse writes the 502 page for err and returns the code
// it used.
func writeProxyErrorResponse(w http.ResponseWriter, err error, defaultErrorCode string) string {
	errorCode, ok := codeOf(err)
	if !ok {
		errorCode = defaultErrorCode
	}

	resp := NewBadGatewayResponse(errorCode)
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return errorCode
}
