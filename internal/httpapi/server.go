// Package httpapi provides the control-plane HTTP surface: stats and
// invoke routes for callers, and worker-lifecycle routes for the
// sandbox/launcher side, grounded on the teacher's ServeMux + withAuth +
// writeJSON/writeError shape.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"brokerd/internal/broker"
	"brokerd/internal/config"
	"brokerd/internal/telemetry"
)

// Server is the HTTP API server for brokerd's control plane.
type Server struct {
	cfg      *config.Config
	registry *broker.Registry
	metrics  *telemetry.Metrics
	mux      *http.ServeMux

	adminHash []byte // bcrypt hash of cfg.Security.AdminAPIKey; empty makes admin routes answer 503
}

// NewServer builds a Server and registers its routes.
func NewServer(cfg *config.Config, registry *broker.Registry, metrics *telemetry.Metrics) (*Server, error) {
	s := &Server{cfg: cfg, registry: registry, metrics: metrics, mux: http.NewServeMux()}

	if cfg.Security.AdminAPIKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Security.AdminAPIKey), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		s.adminHash = hash
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /v1/functions/{name}/stats", s.handleStats)
	s.mux.HandleFunc("POST /v1/functions/{name}/invoke", s.handleInvoke)

	s.mux.HandleFunc("POST /v1/functions/{name}/workers", s.withAdminAuth(s.handleRegisterWorker))
	s.mux.HandleFunc("POST /v1/functions/{name}/workers/{credential}/bind", s.withAdminAuth(s.handleBindWorker))
	s.mux.HandleFunc("DELETE /v1/functions/{name}/workers/{credential}", s.withAdminAuth(s.handleRemoveWorker))

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", telemetry.Handler())
	}
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// withAdminAuth requires a bearer token matching cfg.Security.AdminAPIKey,
// checked via bcrypt so the configured key is never compared in plaintext.
func (s *Server) withAdminAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminHash) == 0 {
			s.writeError(w, http.StatusServiceUnavailable, "admin_disabled", "admin API key not configured")
			return
		}
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if bcrypt.CompareHashAndPassword(s.adminHash, []byte(token)) != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}
		handler(w, r)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	b, ok := s.registry.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "no such function")
		return
	}
	s.writeJSON(w, http.StatusOK, b.Stats())
}

type invokeRequest struct {
	Input       json.RawMessage `json:"input"`
	DeadlineMs  int             `json:"deadlineMs"`
	DebuggerTag string          `json:"debuggerTag"`
	Fatal       bool            `json:"fatal"`
}

type invokeResponse struct {
	Output       json.RawMessage `json:"output"`
	QueueingMs   int64           `json:"queueingMs"`
	WorkerName   string          `json:"workerName"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	b, ok := s.registry.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "no such function")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}
	var req invokeRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}

	deadline := time.Now().Add(30 * time.Second)
	if req.DeadlineMs > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	resp, err := b.Invoke(r.Context(), []byte(req.Input), broker.InvokeMetadata{
		Deadline:    deadline,
		DebuggerTag: req.DebuggerTag,
		Fatal:       req.Fatal,
	})
	if err != nil {
		s.writeInvokeError(w, name, err)
		return
	}
	defer resp.Finish()

	s.writeJSON(w, http.StatusOK, invokeResponse{
		Output:     resp.Body,
		QueueingMs: resp.Queueing.Milliseconds(),
		WorkerName: resp.WorkerName,
	})
}

func (s *Server) writeInvokeError(w http.ResponseWriter, functionName string, err error) {
	reason := "dispatch_error"
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrResourceExhausted):
		reason, status = "overloaded", http.StatusTooManyRequests
	case errors.Is(err, broker.ErrDeadlineExceeded):
		reason, status = "queue_timeout", http.StatusGatewayTimeout
	case errors.Is(err, broker.ErrQueueDisabled):
		reason, status = "overloaded", http.StatusTooManyRequests
	case errors.Is(err, broker.ErrShuttingDown):
		reason, status = "shutting_down", http.StatusServiceUnavailable
	}
	if s.metrics != nil {
		s.metrics.RecordRejection(functionName, reason)
	}
	s.writeError(w, status, reason, err.Error())
}

type registerWorkerRequest struct {
	Name       string `json:"name"`
	Credential string `json:"credential"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	functionName := r.PathValue("name")
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := s.registry.RegisterCredential(functionName, req.Name, req.Credential); err != nil {
		s.writeError(w, http.StatusConflict, "duplicate_credential", err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleBindWorker(w http.ResponseWriter, r *http.Request) {
	functionName := r.PathValue("name")
	credential := r.PathValue("credential")

	var req struct {
		DebuggerTag string `json:"debuggerTag"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	worker, err := s.registry.BindWorker(functionName, credential, req.DebuggerTag)
	if err != nil {
		slog.Error("bind worker failed", "function", functionName, "credential", credential, "error", err)
		s.writeError(w, http.StatusInternalServerError, "bind_failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "bound", "workerName": worker.Name()})
}

func (s *Server) handleRemoveWorker(w http.ResponseWriter, r *http.Request) {
	functionName := r.PathValue("name")
	credential := r.PathValue("credential")
	if err := s.registry.RemoveWorker(functionName, credential); err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, errorResponse{Error: errorDetail{Type: errType, Message: message}})
}
