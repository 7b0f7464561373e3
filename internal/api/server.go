// Package api exposes the agent over HTTP: an SSE chat endpoint for
// the interactive assistant, an on-demand autopilot trigger, and an
// operational event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harborcrm/harbor-agent/internal/agent"
	"github.com/harborcrm/harbor-agent/internal/autopilot"
	"github.com/harborcrm/harbor-agent/internal/buildinfo"
	"github.com/harborcrm/harbor-agent/internal/events"
	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/llm"
)

// maxChatBodySize caps the chat request body.
const maxChatBodySize = 1 << 20 // 1MB

// eventFeedBuffer is the per-subscriber channel depth on /v1/events.
const eventFeedBuffer = 64

// Deps carries the wired application components the server fronts.
type Deps struct {
	Loop      *agent.Loop
	Autopilot *autopilot.Runner
	Bus       *events.Bus // optional
	Logger    *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	loop      *agent.Loop
	autopilot *autopilot.Runner
	bus       *events.Bus
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		loop:      deps.Loop,
		autopilot: deps.Autopilot,
		bus:       deps.Bus,
		logger:    logger.With("component", "api"),
	}
}

// Handler builds the route table. Exposed so tests can drive the
// server through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withLogging)

	r.Post("/v1/assistant/chat", s.handleChat)
	r.Post("/v1/autopilot/run", s.handleAutopilotRun)
	r.Get("/v1/events", s.handleEvents)
	r.Get("/health", s.handleHealth)

	return r
}

// Start runs the server. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the chat and event endpoints stream for
		// as long as the client stays connected.
	}
	s.logger.Info("starting API server", "address", s.address, "port", s.port)
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
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// ChatMessage is one prior conversation turn sent by the client.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /v1/assistant/chat.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requestScope(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)
	defer r.Body.Close()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if len(req.Messages) == 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}
	for _, m := range req.Messages {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported message role %q", m.Role)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	// SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	messages := make([]llm.Message, 0, len(req.Messages)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: agent.InteractivePrompt()})
	for _, m := range req.Messages {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	started := time.Now()
	s.bus.Publish(events.Event{
		Source: events.SourceAgent, Kind: events.KindRunStart,
		Data: map[string]any{"org_id": scope.OrgID, "caller_id": scope.CallerID},
	})

	emit := func(e agent.Event) {
		s.writeSSE(w, e)
		flusher.Flush()
	}

	out, err := s.loop.Run(r.Context(), scope, messages, emit)
	if err != nil {
		// The loop already emitted an error event; the stream is the
		// only channel left, so there is nothing more to send.
		s.logger.Error("chat run failed", "org_id", scope.OrgID, "error", err)
		s.bus.Publish(events.Event{
			Source: events.SourceAgent, Kind: events.KindRunFailed,
			Data: map[string]any{"org_id": scope.OrgID, "error": err.Error()},
		})
		return
	}

	s.bus.Publish(events.Event{
		Source: events.SourceAgent, Kind: events.KindRunComplete,
		Data: map[string]any{
			"org_id":     scope.OrgID,
			"rounds":     out.Rounds,
			"tool_calls": len(out.Calls),
			"elapsed_ms": time.Since(started).Milliseconds(),
		},
	})
}

func (s *Server) handleAutopilotRun(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requestScope(w, r)
	if !ok {
		return
	}

	summary, err := s.autopilot.Run(r.Context(), scope)
	if err != nil {
		if errors.Is(err, autopilot.ErrAlreadyRunning) {
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
			return
		}
		s.logger.Error("autopilot run failed", "org_id", scope.OrgID, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "autopilot run failed: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, summary, s.logger)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		httpError(w, http.StatusNotFound, "invalid_request_error", "event feed not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.bus.Subscribe(eventFeedBuffer)
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			s.writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	}, s.logger)
}

// requestScope builds the tenant scope from the identity headers.
// Both headers are required; without an org every query would be
// unscoped.
func (s *Server) requestScope(w http.ResponseWriter, r *http.Request) (guard.Scope, bool) {
	scope := guard.Scope{
		CallerID: r.Header.Get("X-Caller-ID"),
		OrgID:    r.Header.Get("X-Org-ID"),
	}
	if scope.OrgID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "X-Org-ID header is required")
		return guard.Scope{}, false
	}
	if scope.CallerID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "X-Caller-ID header is required")
		return guard.Scope{}, false
	}
	return scope, true
}

func (s *Server) writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE frame", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE frame", "error", err)
	}
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
