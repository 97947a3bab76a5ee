// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"

	"github.com/kadirpekel/codebridge/pkg/auth"
	"github.com/kadirpekel/codebridge/pkg/config"
	"github.com/kadirpekel/codebridge/pkg/observability"
	"github.com/kadirpekel/codebridge/pkg/ratelimit"
	"github.com/kadirpekel/codebridge/pkg/task"
)

// maxBodyBytes bounds request bodies on the REST routes.
const maxBodyBytes = 10 << 20

// codeInvalidRequest is the error code for malformed request bodies.
const codeInvalidRequest = "invalid_request"

// HTTPServer serves the agent card, the REST task API with its SSE event
// stream, and A2A over JSON-RPC (and gRPC when configured).
type HTTPServer struct {
	serverCfg *config.ServerConfig
	tasks     *TaskServer
	server    *http.Server

	// gRPC server (only when Transport == TransportGRPC)
	grpcServer *grpc.Server

	// TaskStore for A2A task records (nil = a2asrv in-memory store)
	taskStore a2asrv.TaskStore

	authValidator auth.TokenValidator
	observability *observability.Manager
	limiter       *ratelimit.Limiter

	requestHandler a2asrv.RequestHandler

	// closing ends open event streams when shutdown starts.
	closing   chan struct{}
	closeOnce sync.Once
}

// HTTPServerOption configures the HTTP server.
type HTTPServerOption func(*HTTPServer)

// WithTaskStore sets the store a2asrv keeps A2A task records in.
func WithTaskStore(store a2asrv.TaskStore) HTTPServerOption {
	return func(s *HTTPServer) {
		s.taskStore = store
	}
}

// WithAuthValidator enables JWT authentication.
func WithAuthValidator(validator auth.TokenValidator) HTTPServerOption {
	return func(s *HTTPServer) {
		s.authValidator = validator
	}
}

// WithObservability sets the observability manager for tracing and metrics.
func WithObservability(obs *observability.Manager) HTTPServerOption {
	return func(s *HTTPServer) {
		s.observability = obs
	}
}

// WithRateLimiter limits how often a caller may start work.
func WithRateLimiter(l *ratelimit.Limiter) HTTPServerOption {
	return func(s *HTTPServer) {
		s.limiter = l
	}
}

// NewHTTPServer creates the server for tasks.
func NewHTTPServer(serverCfg *config.ServerConfig, tasks *TaskServer, opts ...HTTPServerOption) *HTTPServer {
	s := &HTTPServer{
		serverCfg: serverCfg,
		tasks:     tasks,
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	var handlerOpts []a2asrv.RequestHandlerOption
	if s.taskStore != nil {
		handlerOpts = append(handlerOpts, a2asrv.WithTaskStore(s.taskStore))
	}
	if s.authValidator != nil {
		handlerOpts = append(handlerOpts, a2asrv.WithCallInterceptor(auth.NewInterceptor(serverCfg.Auth.IsRequireAuth())))
	}
	s.requestHandler = a2asrv.NewHandler(NewA2AExecutor(tasks), handlerOpts...)
	return s
}

// Handler returns the routes wrapped in the middleware chain
// (observability -> logging -> cors -> auth -> routes).
func (s *HTTPServer) Handler() http.Handler {
	var handler http.Handler = s.routes()

	// Auth sits inside CORS so preflight requests pass through
	if s.authValidator != nil {
		excludedPaths := slices.Clone(s.serverCfg.Auth.ExcludedPaths)
		if s.observability.MetricsEnabled() {
			excludedPaths = append(excludedPaths, s.observability.MetricsEndpoint())
		}
		handler = auth.Middleware(s.authValidator, s.serverCfg.Auth.IsRequireAuth(), excludedPaths)(handler)
		slog.Info("Authentication enabled", "excluded_paths", excludedPaths)
	}

	handler = s.corsMiddleware(handler)
	handler = loggingMiddleware(handler)

	if s.observability != nil {
		handler = observability.HTTPMiddleware(s.observability.Tracer(), s.observability.Metrics())(handler)
	}
	return handler
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	if s.observability.MetricsEnabled() {
		endpoint := s.observability.MetricsEndpoint()
		r.Handle(endpoint, s.observability.Metrics().Handler())
		slog.Info("Metrics endpoint enabled", "path", endpoint)
	}

	card := a2asrv.NewStaticAgentCardHandler(s.tasks.Discover())
	r.Get(a2asrv.WellKnownAgentCardPath, card.ServeHTTP)
	r.Get(AgentCardPathLegacy, card.ServeHTTP)

	// Routes that start turns are rate limited.
	limited := r.With(ratelimit.Middleware(s.limiter))

	rpc := a2asrv.NewJSONRPCHandler(s.requestHandler)
	limited.Post("/", rpc.ServeHTTP)
	limited.Post("/a2a", rpc.ServeHTTP)

	limited.Post("/tasks", s.handleSubmit)
	r.Get("/tasks/{id}", s.handleGet)
	r.Get("/tasks/{id}/events", s.handleEvents)
	limited.Post("/tasks/{id}/messages", s.handleFollowup)
	r.Post("/tasks/{id}/cancel", s.handleCancel)

	return r
}

// Start serves until ctx is done or a listener fails.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.serverCfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event streams stay open for the life of a task
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 2)

	if s.serverCfg.Transport == config.TransportGRPC {
		if err := s.startGRPC(errCh); err != nil {
			return err
		}
	}

	slog.Info("HTTP server starting", "address", s.serverCfg.Address())
	go func() {
		var err error
		if s.serverCfg.TLS.IsEnabled() {
			err = s.server.ListenAndServeTLS(s.serverCfg.TLS.CertFile, s.serverCfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the server(s).
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	timeout := s.serverCfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.closeOnce.Do(func() { close(s.closing) })

	var errs []error

	if s.server != nil {
		slog.Info("HTTP server shutting down")
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown error: %w", err))
		}
	}

	if s.grpcServer != nil {
		slog.Info("gRPC server shutting down")
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
			slog.Info("gRPC server stopped gracefully")
		case <-shutdownCtx.Done():
			slog.Warn("gRPC graceful stop timeout, forcing shutdown")
			s.grpcServer.Stop()
		}
	}

	return errors.Join(errs...)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitBody struct {
	ID          string         `json:"id,omitempty"`
	ContextID   string         `json:"context_id,omitempty"`
	Description string         `json:"description"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

type messageBody struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type taskAccepted struct {
	ID    string     `json:"id"`
	State task.State `json:"state"`
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := s.tasks.Submit(r.Context(), SubmitRequest{
		TaskID:      body.ID,
		ContextID:   body.ContextID,
		Description: body.Description,
		Inputs:      body.Inputs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskAccepted{ID: id, State: task.StateSubmitted})
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *HTTPServer) handleFollowup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body messageBody
	if !decodeBody(w, r, &body) {
		return
	}
	msg := task.Message{Role: task.RoleUser, Text: body.Message, Data: body.Data}
	if err := s.tasks.SendFollowup(r.Context(), id, msg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskAccepted{ID: id, State: task.StateWorking})
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.tasks.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]CancelOutcome{"outcome": outcome})
}

// handleEvents streams task events as server-sent events. A reconnecting
// client resumes after the id in its Last-Event-ID header (or the after
// query parameter).
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported", Code: string(task.CodeInternal)})
		return
	}

	after, err := resumePoint(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: codeInvalidRequest})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.tasks.StreamFrom(ctx, chi.URLParam(r, "id"), after)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan task.Event)
	go func() {
		defer close(ch)
		for ev, err := range events {
			if err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	var keepAlive <-chan time.Time
	if d := s.serverCfg.SSEKeepAlive; d > 0 {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				slog.Debug("SSE write failed", "task_id", ev.TaskID, "error", err)
				return
			}
			flusher.Flush()
		case <-keepAlive:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-s.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

func resumePoint(r *http.Request) (uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid event id %q", raw)
	}
	return seq, nil
}

func writeSSE(w http.ResponseWriter, ev task.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE data: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError renders err with the status matching its task error code.
func writeError(w http.ResponseWriter, err error) {
	code := task.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case task.CodeNotFound:
		status = http.StatusNotFound
	case task.CodeInvalidState:
		status = http.StatusConflict
	case task.CodeResourceUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: string(code)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Code: codeInvalidRequest})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// corsMiddleware adds CORS headers.
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	cors := s.serverCfg.CORS
	methods := "GET, POST, OPTIONS"
	if len(cors.AllowedMethods) > 0 {
		methods = strings.Join(cors.AllowedMethods, ", ")
	}
	headers := "Content-Type, Authorization"
	if len(cors.AllowedHeaders) > 0 {
		headers = strings.Join(cors.AllowedHeaders, ", ")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			for _, allowed := range cors.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.Header().Set("Access-Control-Allow-Headers", headers)
		if config.BoolValue(cors.AllowCredentials, false) {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs requests. It does not wrap the ResponseWriter,
// which would hide http.Flusher from the event stream.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
