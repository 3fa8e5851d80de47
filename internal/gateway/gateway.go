// Package gateway exposes the daemon's small HTTP surface: health, cron
// validation, scheduler status, and the dashboard approval path that
// link-only notification channels fall back to.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/cronpilot/internal/approval"
	"github.com/basket/cronpilot/internal/cronexpr"
	"github.com/basket/cronpilot/internal/notify"
	"github.com/basket/cronpilot/internal/scheduler"
	"github.com/basket/cronpilot/internal/task"
)

const (
	DefaultBindAddr = "127.0.0.1:18910"

	maxBodyBytes    = 64 << 10
	shutdownTimeout = 5 * time.Second
	nextRunsShown   = 5
)

type Config struct {
	BindAddr  string
	Tasks     *task.Repository
	Scheduler *scheduler.Scheduler
	Approvals *approval.Service
	Logger    *slog.Logger
}

// Server is the daemon's HTTP listener. Loopback-bound by default; it
// carries no auth because it never leaves the machine unless the operator
// rebinds it.
type Server struct {
	cfg    Config
	logger *slog.Logger
	srv    *http.Server
}

func New(cfg Config) *Server {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "gateway")}
	s.srv = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/cron/validate", s.handleCronValidate)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /api/approvals/{id}/{action}", s.handleApprovalAction)
	// Dashboard fallback for channels whose buttons are plain links.
	mux.HandleFunc("GET /approvals/{id}", s.handleApprovalLink)
	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", s.cfg.BindAddr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve failed", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type cronValidateRequest struct {
	Expression string `json:"expression"`
}

type cronValidateResponse struct {
	Valid       bool     `json:"valid"`
	Description string   `json:"description,omitempty"`
	NextRuns    []string `json:"next_runs,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func (s *Server) handleCronValidate(w http.ResponseWriter, r *http.Request) {
	var req cronValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := cronexpr.Validate(req.Expression); err != nil {
		writeJSON(w, http.StatusOK, cronValidateResponse{Valid: false, Error: err.Error()})
		return
	}
	next, err := cronexpr.NextN(req.Expression, nextRunsShown, time.Now())
	if err != nil {
		writeJSON(w, http.StatusOK, cronValidateResponse{Valid: false, Error: err.Error()})
		return
	}
	runs := make([]string, len(next))
	for i, t := range next {
		runs[i] = t.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, cronValidateResponse{
		Valid:       true,
		Description: cronexpr.Describe(req.Expression),
		NextRuns:    runs,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Scheduler.Status())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.cfg.Tasks.FindAll()
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Approvals.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type approvalActionRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

type approvalActionResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleApprovalAction(w http.ResponseWriter, r *http.Request) {
	var req approvalActionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	ack, err := s.decide(r.Context(), r.PathValue("id"), r.PathValue("action"), req.Feedback)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, approval.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalActionResponse{Message: ack})
}

// handleApprovalLink serves the OpenUrl-style buttons: a browser GET with
// ?action= decides the approval, without it the plan is shown for review.
func (s *Server) handleApprovalLink(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.URL.Query().Get("action")
	if action == "" {
		a, err := s.cfg.Approvals.Store().Get(r.Context(), id)
		if err != nil {
			http.Error(w, "approval not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Task: %s\nStatus: %s\n\n%s\n", a.TaskName, a.Status, a.Plan)
		return
	}
	ack, err := s.decide(r.Context(), id, action, r.URL.Query().Get("feedback"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, approval.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, ack)
}

func (s *Server) decide(ctx context.Context, id, action, feedback string) (string, error) {
	switch action {
	case notify.ActionApprove, notify.ActionReject, notify.ActionDiscuss:
	default:
		return "", fmt.Errorf("unknown approval action %q", action)
	}
	return s.cfg.Approvals.HandleCallback(ctx, id, action, feedback)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	// Trim wrapped prefixes the client has no use for.
	msg = strings.TrimPrefix(msg, "invalid request body: ")
	writeJSON(w, status, map[string]string{"error": msg})
}
