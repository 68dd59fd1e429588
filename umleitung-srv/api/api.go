// Package api serves the management API consumed by the web console: rule
// CRUD, the live request log, application settings and the root CA.
//
// Every JSON response is wrapped in an Envelope. Streams (request log) and
// file downloads (CA certificate, metrics) are not.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/ca"
	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/eventbus"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/metrics"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/codefionn/umleitung/umleitung-srv/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// Code classifies the outcome of an API call.
type Code string

const (
	CodeOk                  Code = "Ok"
	CodeValidateError       Code = "ValidateError"
	CodeOperationError      Code = "OperationError"
	CodeInternalServerError Code = "InternalServerError"
)

// Envelope wraps every JSON response.
type Envelope struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// maxBodySize bounds request bodies; rule bundles are the largest payloads.
const maxBodySize = 16 << 20

// Deps are the components the API exposes. CA and Metrics may be nil.
type Deps struct {
	Settings *config.AppSettings
	Store    *store.Store
	Bus      *eventbus.Bus
	CA       *ca.Manager
	Metrics  *metrics.Metrics
}

// Server is the management API.
type Server struct {
	config   config.APIConfig
	deps     Deps
	auth     *authenticator
	router   chi.Router
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates the API server. The listener is opened by Start.
func New(cfg config.APIConfig, deps Deps) (*Server, error) {
	if deps.Settings == nil || deps.Store == nil || deps.Bus == nil {
		return nil, errors.New("api requires app settings, rule store and event bus")
	}
	auth, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		auth:   auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			// the console is served from its own origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.buildRouter()
	s.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverer)

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)
	r.Get("/ssl/ca", s.handleCADownload)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Get("/rule_group/list", s.handleRuleGroups)
		r.Route("/rule", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Post("/add", s.handleAddRule)
			r.Post("/update", s.handleUpdateRule)
			r.Post("/update_content", s.handleUpdateContent)
			r.Post("/update_name", s.handleUpdateName)
			r.Post("/update_status", s.handleUpdateStatus)
			r.Post("/delete", s.handleDeleteRule)
			r.Get("/export", s.handleExport)
			r.Post("/import", s.handleImport)
			r.Get("/context/schema", s.handleSchema)
		})

		r.Get("/request_log", s.handleRequestLog)
		r.Get("/request_log/ws", s.handleRequestLogWS)
		r.Get("/request", s.handleGetRequest)
		r.Get("/response", s.handleGetResponse)
		r.Get("/request_body", s.handleRequestBody)
		r.Get("/response_body", s.handleResponseBody)
		r.Get("/request/curl", s.handleCurl)
		r.Post("/request/clear", s.handleClear)

		r.Get("/app_config", s.handleGetAppConfig)
		r.Post("/app_config/record_status", s.handleRecordStatus)
		r.Post("/app_config/update", s.handleUpdateAppConfig)

		r.Post("/ssl/ca/rotate", s.handleCARotate)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, CodeOperationError, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusMethodNotAllowed, CodeOperationError, fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path), nil)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on listener until Stop.
func (s *Server) StartWithListener(listener net.Listener) error {
	logger.Info("Starting API server on %s (authentication %s)", listener.Addr().String(), enabledString(s.auth.enabled()))
	err := s.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the API down. Open log streams end with their request
// contexts.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func enabledString(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func writeEnvelope(w http.ResponseWriter, status int, code Code, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{Code: code, Message: message, Data: data}); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, CodeOk, "", data)
}

func writeValidation(w http.ResponseWriter, message string, problems []string) {
	if problems == nil {
		problems = []string{message}
	}
	writeEnvelope(w, http.StatusBadRequest, CodeValidateError, message, problems)
}

// writeError maps component errors onto envelope codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *rules.ValidationError
	var notFoundErr *rules.NotFoundError
	switch {
	case errors.As(err, &validationErr):
		writeValidation(w, err.Error(), validationErr.Problems)
	case errors.As(err, &notFoundErr):
		writeEnvelope(w, http.StatusNotFound, CodeOperationError, err.Error(), nil)
	case errors.Is(err, eventbus.ErrFinalized):
		writeEnvelope(w, http.StatusConflict, CodeOperationError, err.Error(), nil)
	default:
		logger.Error("%s", logger.WithRequestID(middleware.GetReqID(r.Context()), "%s %s failed: %v", r.Method, r.URL.Path, err))
		writeEnvelope(w, http.StatusInternalServerError, CodeInternalServerError, err.Error(), nil)
	}
}

// decodeBody reads a JSON request body into v. Failures are written to w.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	data, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeValidation(w, fmt.Sprintf("malformed request body: %v", err), nil)
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeValidation(w, fmt.Sprintf("failed to read request body: %v", err), nil)
		return nil, false
	}
	return data, true
}

// queryID returns the first non-empty query parameter of names.
func queryID(w http.ResponseWriter, r *http.Request, names ...string) (string, bool) {
	for _, name := range names {
		if id := r.URL.Query().Get(name); id != "" {
			return id, true
		}
	}
	writeValidation(w, fmt.Sprintf("query parameter %q is required", names[0]), nil)
	return "", false
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !logger.IsLevelEnabled(logger.DEBUG) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("%s", logger.WithRequestID(middleware.GetReqID(r.Context()), "API %s %s -> %d (%s) from %s",
			r.Method, r.URL.Path, ww.Status(), time.Since(start), r.RemoteAddr))
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			logger.Error("Recovered from panic in %s %s: %v\n%s", r.Method, r.URL.Path, v, debug.Stack())
			writeEnvelope(w, http.StatusInternalServerError, CodeInternalServerError, "internal server error", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
