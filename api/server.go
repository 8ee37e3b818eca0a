// Package api serves the engine state and commands over HTTP and a
// WebSocket stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/engine"
	"github.com/mjasion/meterlink/linkhealth"
	"github.com/mjasion/meterlink/session"
	"github.com/mjasion/meterlink/store"
)

// MinPasswordLength is the shortest password the device accepts.
const MinPasswordLength = 4

// Engine is the part of the engine the API drives.
type Engine interface {
	Snapshot() engine.State
	Subscribe() (<-chan engine.State, func())
	Discover(ctx context.Context) ([]device.Descriptor, error)
	Connect(ctx context.Context, d device.Descriptor) error
	Authenticate(ctx context.Context, password string) error
	Disconnect(ctx context.Context) error
	ToggleOutput(ctx context.Context, on bool) error
	SetForeground(foreground bool)
	Refresh() error
	ReconnectLast(ctx context.Context) error
	DismissNotice()
	History(ctx context.Context) ([]store.HistoryEntry, error)
	ClearCache(ctx context.Context) error
}

// Config configures the server.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// Server is the local API.
type Server struct {
	engine   Engine
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a new Server. gatherer backs /metrics and may be nil.
func NewServer(cfg Config, eng Engine, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		engine:   eng,
		gatherer: gatherer,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(cfg.AllowedOrigins),
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           c.Handler(s.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the routes without CORS.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	a := r.PathPrefix("/api").Subrouter()
	a.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "api")
	})
	a.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	a.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	a.HandleFunc("/discover", s.handleDiscover).Methods(http.MethodPost)
	a.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	a.HandleFunc("/reconnect", s.handleReconnect).Methods(http.MethodPost)
	a.HandleFunc("/authenticate", s.handleAuthenticate).Methods(http.MethodPost)
	a.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	a.HandleFunc("/output", s.handleOutput).Methods(http.MethodPost)
	a.HandleFunc("/foreground", s.handleForeground).Methods(http.MethodPost)
	a.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	a.HandleFunc("/notice", s.handleDismissNotice).Methods(http.MethodDelete)
	a.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	a.HandleFunc("/cache", s.handleClearCache).Methods(http.MethodDelete)
	return r
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// detach keeps device I/O going when the HTTP client goes away; every
// device request carries its own timeout.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  device.Kind `json:"kind,omitempty"`
}

// StatusFor maps engine errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoLastDevice):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, device.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, device.ErrConnection):
		if device.IsTimeout(err) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.Is(err, device.ErrProtocol),
		errors.Is(err, device.ErrMalformedData),
		errors.Is(err, device.ErrLinkLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: device.KindOf(err)})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

type healthResponse struct {
	Status  string            `json:"status"`
	Session session.State     `json:"session"`
	Link    linkhealth.Health `json:"link"`
}

// handleHealth reports unhealthy only while a session is live on a dead link.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.engine.Snapshot()
	resp := healthResponse{Status: "healthy", Session: state.Session.State, Link: state.Link}
	status := http.StatusOK
	if state.Session.State == session.Authenticated && !state.Link.Healthy() {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	found, err := s.engine.Discover(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found == nil {
		found = []device.Descriptor{}
	}
	s.writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var d device.Descriptor
	if err := decode(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if d.DeviceType == "" {
		d.DeviceType = device.TypeElectricMeter
	}
	if err := d.Validate(); err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	if err := s.engine.Connect(detach(r), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReconnectLast(detach(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

type authenticateRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Password) == "" {
		s.writeError(w, r, badRequest("password is required"))
		return
	}
	if len(req.Password) < MinPasswordLength {
		s.writeError(w, r, badRequest("password must be at least %d characters", MinPasswordLength))
		return
	}
	if err := s.engine.Authenticate(detach(r), req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Disconnect(detach(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

type outputRequest struct {
	On *bool `json:"on"`
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	var req outputRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.On == nil {
		s.writeError(w, r, badRequest("field \"on\" is required"))
		return
	}
	if err := s.engine.ToggleOutput(detach(r), *req.On); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

type foregroundRequest struct {
	Foreground *bool `json:"foreground"`
}

func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	var req foregroundRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Foreground == nil {
		s.writeError(w, r, badRequest("field \"foreground\" is required"))
		return
	}
	s.engine.SetForeground(*req.Foreground)
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Refresh(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDismissNotice(w http.ResponseWriter, r *http.Request) {
	s.engine.DismissNotice()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.History(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []store.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearCache(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
