// Package api implements the HTTP API over conversation memory.
package api

import (
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

	"github.com/nugget/convmem/internal/buildinfo"
	"github.com/nugget/convmem/internal/events"
	"github.com/nugget/convmem/internal/memerr"
	"github.com/nugget/convmem/internal/memory"
	"github.com/nugget/convmem/internal/metrics"
	"github.com/nugget/convmem/internal/tools"
)

// maxToolArgsBytes bounds a POST /v1/tools/{name} body.
const maxToolArgsBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	memory  tools.Memory
	tools   *tools.Registry
	metrics *metrics.Metrics
	events  *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, mem tools.Memory, reg *tools.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		memory:  mem,
		tools:   reg,
		logger:  logger,
	}
}

// SetMetrics exposes m on GET /metrics.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetEventBus streams bus events on GET /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.events = bus
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Conversation memory
	mux.HandleFunc("GET /v1/memory/stats", s.handleStats)
	mux.HandleFunc("GET /v1/memory/history", s.handleHistory)
	mux.HandleFunc("GET /v1/memory/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/memory/content/{id}", s.handleContent)

	// Tool dispatch
	mux.HandleFunc("GET /v1/tools", s.handleToolList)
	mux.HandleFunc("POST /v1/tools/{name}", s.handleToolCall)

	// Observability
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "convmem",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.memory.GetStats(r.Context())
	if err != nil {
		s.memoryError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := memory.HistoryQuery{
		ProjectPath: query.Get("project"),
		ToolsUsed:   query["tool"],
		Keyword:     query.Get("keyword"),
		Limit:       parseIntParam(r, "limit", 0),
	}
	var err error
	if q.From, err = parseTimeParam(r, "from"); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.To, err = parseTimeParam(r, "to"); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.memory.QueryHistory(r.Context(), q)
	if err != nil {
		s.memoryError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.memory.GetSnapshot(r.Context(), r.URL.Query().Get("project"), parseIntParam(r, "turns", 0))
	if err != nil {
		s.memoryError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, snap.Format())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	includeContext, _ := strconv.ParseBool(r.URL.Query().Get("context"))
	exp, err := s.memory.ExpandMemory(r.Context(), memory.ExpandRequest{
		ContentID:      r.PathValue("id"),
		Section:        r.URL.Query().Get("section"),
		IncludeContext: includeContext,
	})
	if err != nil {
		s.memoryError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, exp, s.logger)
}

func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	list := s.tools.List()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tools": list,
		"count": len(list),
	}, s.logger)
}

// handleToolCall dispatches a tool through the registry. The body is
// the JSON arguments object. The project comes from the X-Project-Path
// header or the project query parameter.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxToolArgsBytes+1))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxToolArgsBytes {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "arguments too large")
		return
	}

	ctx := r.Context()
	project := r.Header.Get("X-Project-Path")
	if project == "" {
		project = r.URL.Query().Get("project")
	}
	if project != "" {
		ctx = tools.WithProjectPath(ctx, project)
	}
	if intents := r.Header.Get("X-Intent-IDs"); intents != "" {
		ctx = tools.WithIntentIDs(ctx, splitList(intents))
	}

	out, err := s.tools.Execute(ctx, name, strings.TrimSpace(string(body)))
	if err != nil {
		var unavailable *tools.ErrToolUnavailable
		switch {
		case errors.As(err, &unavailable):
			s.errorResponse(w, http.StatusNotFound, err.Error())
		case errors.Is(err, tools.ErrInvalidArguments):
			s.errorResponse(w, http.StatusBadRequest, err.Error())
		default:
			s.memoryError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"tool": name, "output": out}, s.logger)
}

// handleEvents streams bus events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := s.events.Subscribe(64)
	defer s.events.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Debug("failed to marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				s.logger.Debug("failed to write event", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// memoryError maps typed memory errors onto status codes.
func (s *Server) memoryError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, memerr.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, memerr.ErrExpired):
		code = http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Warn("request failed", "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
