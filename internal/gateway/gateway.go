// Package gateway is the external surface: task submission, lifecycle
// queries, approvals, and the two event transports (SSE, WebSocket)
// that replay from the durable log before going live.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/macaulishchina/AI-Studio/internal/audit"
	"github.com/macaulishchina/AI-Studio/internal/bus"
	otelpkg "github.com/macaulishchina/AI-Studio/internal/otel"
	"github.com/macaulishchina/AI-Studio/internal/permission"
	"github.com/macaulishchina/AI-Studio/internal/safety"
	"github.com/macaulishchina/AI-Studio/internal/store"
	"github.com/macaulishchina/AI-Studio/internal/tokenutil"
)

// replayBatchSize bounds one durable-log read during catch-up.
const replayBatchSize = 256

// Interrupter cancels an in-process task without waiting for the
// cooperative poll. Implemented by the runner.
type Interrupter interface {
	Interrupt(taskID string) bool
}

type Config struct {
	Store  *store.Store
	Bus    *bus.Bus
	Runner Interrupter
	Policy *permission.LivePolicy

	// AuthToken protects every endpoint except /healthz when set.
	AuthToken string

	// AllowOrigins lists Origin headers accepted for browser clients.
	// Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is echoed in /api/v1/status so operators can
	// confirm which configuration a node runs.
	ConfigFingerprint string

	DefaultModel     string
	DefaultMaxRounds int

	// SubmitPerMinute rate-limits task submission per client. 0
	// disables the limiter.
	SubmitPerMinute int
	SubmitBurst     int

	// Metrics is optional; nil falls back to no-op instruments.
	Metrics *otelpkg.Metrics
}

type Server struct {
	cfg       Config
	limiter   *rateLimiter
	sanitizer *safety.Sanitizer
	started   time.Time
}

func NewServer(cfg Config) *Server {
	var limiter *rateLimiter
	if cfg.SubmitPerMinute > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 10
		}
		limiter = newRateLimiter(cfg.SubmitPerMinute, burst)
	}
	if cfg.Metrics == nil {
		cfg.Metrics, _ = otelpkg.NewMetrics(noopmetric.NewMeterProvider().Meter(otelpkg.MeterName))
	}
	return &Server{cfg: cfg, limiter: limiter, sanitizer: safety.NewSanitizer(), started: time.Now()}
}

// Handler builds the route table. Auth and CORS wrap everything;
// /healthz stays open for probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	mux.HandleFunc("POST /api/v1/projects", s.handleCreateProject)
	mux.HandleFunc("POST /api/v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/approval", s.handlePendingApproval)
	mux.HandleFunc("POST /api/v1/approvals/{id}", s.handleResolveApproval)

	mux.HandleFunc("GET /api/v1/events", s.handleSSE)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	return s.cors(s.auth(s.timing(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, err := s.cfg.Store.TotalEventCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count events: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"uptime_seconds":     int(time.Since(s.started).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"policy_version":     s.cfg.Policy.Version(),
		"total_events":       total,
		"audit_denials":      audit.DenyCount(),
		"subscribers":        s.cfg.Bus.SubscriberCount(),
	})
}

type createProjectRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WorkspacePath string `json:"workspace_path"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" || req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "id and workspace_path are required")
		return
	}
	if err := s.cfg.Store.EnsureProject(r.Context(), req.ID, req.Name, req.WorkspacePath); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"project_id": req.ID})
}

type submitTaskRequest struct {
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
	Persona        string `json:"persona"`
	MaxRounds      int    `json:"max_rounds"`
}

// handleSubmitTask creates a pending task and returns its identity
// immediately; a worker picks it up asynchronously.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.allow(clientKey(r)) {
		s.cfg.Metrics.RateLimitRejects.Add(r.Context(), 1)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	var req submitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProjectID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "project_id and prompt are required")
		return
	}

	ctx := r.Context()

	// Injection screening happens before any row is written so a
	// blocked prompt leaves no task behind.
	switch check := s.sanitizer.Check(req.Prompt); check.Action {
	case safety.ActionBlock:
		audit.Record(ctx, "deny", "task.submit", check.Reason, s.cfg.Policy.Version(), req.ProjectID)
		writeError(w, http.StatusBadRequest, "prompt rejected: "+check.Reason)
		return
	case safety.ActionWarn:
		slog.Warn("suspicious prompt accepted", "project_id", req.ProjectID, "reason", check.Reason)
	}

	if _, err := s.cfg.Store.GetProject(ctx, req.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = newConversationID()
	}
	if err := s.cfg.Store.EnsureConversation(ctx, conversationID, req.ProjectID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A named persona becomes a system message so it is versioned with
	// the transcript and picked up by the loop as the active persona.
	if req.Persona != "" {
		if err := s.cfg.Store.AddMessage(ctx, conversationID, "system", req.Persona, "", "", tokenutil.CountTokens(req.Persona)); err != nil {
			writeError(w, http.StatusInternalServerError, "record persona: "+err.Error())
			return
		}
	}

	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = s.cfg.DefaultMaxRounds
	}

	taskID, err := s.cfg.Store.CreateTask(ctx, req.ProjectID, conversationID, req.Prompt, model, maxRounds)
	if err != nil {
		if errors.Is(err, store.ErrConversationBusy) {
			writeError(w, http.StatusConflict, "conversation already has an active task")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("task submitted", "task_id", taskID, "project_id", req.ProjectID, "model", model)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":         taskID,
		"conversation_id": conversationID,
		"status":          string(store.TaskStatusPending),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.cfg.Store.ListTasks(r.Context(), projectID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown task")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCancelTask flips the cooperative cancel flag. The running loop
// observes it at its next checkpoint; Interrupt shortcuts an in-flight
// stream on this node.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown task")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if store.IsTerminal(task.Status) {
		writeError(w, http.StatusConflict, "task already "+string(task.Status))
		return
	}
	if err := s.cfg.Store.RequestCancel(r.Context(), taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.cfg.Runner != nil {
		s.cfg.Runner.Interrupt(taskID)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "cancel_requested"})
}

func (s *Server) handlePendingApproval(w http.ResponseWriter, r *http.Request) {
	approval, err := s.cfg.Store.PendingApproval(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no pending approval")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"` // approve, deny, answer
	Response string `json:"response"` // denial reason or user answer
	Scope    string `json:"scope"`    // once, session, project
}

// handleResolveApproval settles one pending approval. The suspended
// loop observes the resolution on its next poll and resumes.
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var status, response string
	switch req.Decision {
	case "approve":
		status = store.ApprovalStatusApproved
		response = req.Scope
		if response == "" {
			response = "once"
		}
	case "deny":
		status = store.ApprovalStatusDenied
		response = req.Response
	case "answer":
		if req.Response == "" {
			writeError(w, http.StatusBadRequest, "answer decision requires a response")
			return
		}
		status = store.ApprovalStatusAnswered
		response = req.Response
	default:
		writeError(w, http.StatusBadRequest, "decision must be approve, deny, or answer")
		return
	}

	if err := s.cfg.Store.ResolveApproval(r.Context(), r.PathValue("id"), status, response); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "approval not found or already resolved")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newConversationID() string { return uuid.NewString() }

func clientKey(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
