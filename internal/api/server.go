// Package api implements the HTTP and WebSocket surface the browser
// extension talks to: page observation, caption pushes, questions,
// preferences, the transcript archive and a live event stream.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nugget/botodachi/internal/archive"
	"github.com/nugget/botodachi/internal/buildinfo"
	"github.com/nugget/botodachi/internal/companion"
	"github.com/nugget/botodachi/internal/connwatch"
	"github.com/nugget/botodachi/internal/events"
	"github.com/nugget/botodachi/internal/usage"
)

// maxBodyBytes bounds request bodies. Caption container HTML is the
// largest legitimate payload.
const maxBodyBytes = 2 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config holds the listener settings.
type Config struct {
	Address        string
	Port           int
	AllowedOrigins []string
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	svc      *companion.Service
	store    *archive.Store
	prefs    *archive.Prefs
	watch    *connwatch.Manager
	bus      *events.Bus
	usage    *usage.Store
	validate *validator.Validate
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server. store and watch may be nil; the
// archive endpoints then answer 503 and health reports no services.
func NewServer(cfg Config, svc *companion.Service, store *archive.Store, watch *connwatch.Manager, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		store:    store,
		watch:    watch,
		bus:      bus,
		validate: validator.New(),
		logger:   logger,
	}
	if store != nil {
		s.prefs = store.Prefs()
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Page endpoints
	mux.HandleFunc("POST /v1/pages/{page}/observe", s.handleObserve)
	mux.HandleFunc("POST /v1/pages/{page}/captions", s.handleCaptions)
	mux.HandleFunc("POST /v1/pages/{page}/captions/{source}", s.handleCaptionSource)
	mux.HandleFunc("GET /v1/pages/{page}/context", s.handleContext)
	mux.HandleFunc("POST /v1/pages/{page}/ask", s.handleAsk)
	mux.HandleFunc("GET /v1/pages/{page}/status", s.handlePageStatus)
	mux.HandleFunc("GET /v1/pages/{page}/history", s.handleHistory)
	mux.HandleFunc("DELETE /v1/pages/{page}/buffer", s.handleClearBuffer)
	mux.HandleFunc("DELETE /v1/pages/{page}/history", s.handleClearHistory)
	mux.HandleFunc("DELETE /v1/pages/{page}", s.handleClosePage)
	mux.HandleFunc("GET /v1/pages", s.handlePages)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// Preferences
	mux.HandleFunc("GET /v1/prefs", s.handlePrefsGet)
	mux.HandleFunc("PUT /v1/prefs", s.handlePrefsPut)

	// Archive endpoints
	mux.HandleFunc("GET /v1/archive/sessions", s.handleArchiveSessions)
	mux.HandleFunc("GET /v1/archive/sessions/{id}", s.handleArchiveSessionGet)
	mux.HandleFunc("GET /v1/archive/sessions/{id}/vtt", s.handleArchiveSessionVTT)
	mux.HandleFunc("GET /v1/archive/sessions/{id}/recap", s.handleArchiveSessionRecap)
	mux.HandleFunc("DELETE /v1/archive/sessions/{id}", s.handleArchiveSessionDelete)

	// Token usage
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	// Live events
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(s.withCORS(mux))
}

// Start begins serving HTTP requests. It returns when the server is
// shut down or fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Questions wait on the LLM; the ask timeout bounds them.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "address", s.cfg.Address, "port", s.cfg.Port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for request logging. It
// forwards Hijack so WebSocket upgrades pass through the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// withCORS lets browser extensions, and any configured web origins,
// call the API from content scripts.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if strings.HasPrefix(origin, "chrome-extension://") || strings.HasPrefix(origin, "moz-extension://") {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// parseIntParam reads an integer query parameter, falling back to def
// when it is absent or malformed.
func parseIntParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Botodachi",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Get(), s.logger)
}

// healthResponse is the /health payload.
type healthResponse struct {
	Status         string                      `json:"status"`
	Uptime         string                      `json:"uptime"`
	Pages          int                         `json:"pages"`
	CaptureEnabled bool                        `json:"capture_enabled"`
	Services       map[string]connwatch.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "healthy",
		Uptime:         buildinfo.Uptime().String(),
		Pages:          s.svc.Pages().Len(),
		CaptureEnabled: s.prefs == nil || s.prefs.CaptureEnabled(),
	}
	if s.watch != nil {
		resp.Services = s.watch.Status()
		if !s.watch.Healthy() {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, resp, s.logger)
}
