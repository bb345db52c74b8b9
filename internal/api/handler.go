package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/circuitbreaker"
	"github.com/lalithlochan/burstnudge/internal/db"
	"github.com/lalithlochan/burstnudge/internal/redis"
	"github.com/lalithlochan/burstnudge/internal/sqs"
	"github.com/lalithlochan/burstnudge/internal/worker"
)

// RunLogReader reads finished run markers.
type RunLogReader interface {
	ListWorkerLogs(ctx context.Context, tag string, limit int) ([]*db.WorkerLogEntry, error)
}

// Enqueuer puts a run request on the worker queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req sqs.Request) (string, error)
}

// RunStatusReader reports whether a run key has finished.
type RunStatusReader interface {
	Status(ctx context.Context, key string) (bool, error)
}

// HealthCheck returns nil when a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// RunRequest is the body of POST /v1/studies/{studyID}/runs.
type RunRequest struct {
	Date string `json:"date"`
	Tag  string `json:"tag,omitempty"`
}

// RunResponse is returned after a run request is queued.
type RunResponse struct {
	MessageID string `json:"message_id"`
	RunKey    string `json:"run_key"`
}

// Handler holds dependencies for the admin API. Any dependency may be nil;
// the matching routes then answer 503.
type Handler struct {
	logger   *zap.Logger
	runs     RunLogReader
	queue    Enqueuer
	status   RunStatusReader
	breakers []*circuitbreaker.CircuitBreaker
	checks   map[string]HealthCheck
}

// HandlerDeps groups optional handler dependencies.
type HandlerDeps struct {
	Runs     RunLogReader
	Queue    Enqueuer
	Status   RunStatusReader
	Breakers []*circuitbreaker.CircuitBreaker
	Checks   map[string]HealthCheck
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps HandlerDeps) *Handler {
	return &Handler{
		logger:   logger,
		runs:     deps.Runs,
		queue:    deps.Queue,
		status:   deps.Status,
		breakers: deps.Breakers,
		checks:   deps.Checks,
	}
}

// Health handles GET /health. Every configured check must pass.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	status := http.StatusOK

	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	writeJSON(w, status, map[string]interface{}{
		"status": http.StatusText(status),
		"checks": results,
	})
}

// ListRuns handles GET /v1/runs?tag=nightly&limit=20
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Run log not configured", "")
		return
	}

	tag := r.URL.Query().Get("tag")
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	entries, err := h.runs.ListWorkerLogs(r.Context(), tag, limit)
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err), zap.String("tag", tag))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list runs", "")
		return
	}
	if entries == nil {
		entries = []*db.WorkerLogEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  entries,
		"limit": limit,
		"count": len(entries),
	})
}

// CreateRun handles POST /v1/studies/{studyID}/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Run queue not configured", "")
		return
	}

	studyID := chi.URLParam(r, "studyID")

	var body RunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if body.Date == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing date", "date is required (YYYY-MM-DD)")
		return
	}

	date, err := sqs.ParseDate(body.Date)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date", err.Error())
		return
	}

	req := sqs.Request{StudyID: studyID, Date: date, Tag: body.Tag}
	msgID, err := h.queue.Enqueue(r.Context(), req)
	if err != nil {
		h.logger.Error("failed to enqueue run request",
			zap.Error(err),
			zap.String("study_id", studyID),
			zap.String("date", body.Date),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue run request", "")
		return
	}

	h.logger.Info("run request enqueued",
		zap.String("study_id", studyID),
		zap.String("date", body.Date),
		zap.String("tag", body.Tag),
		zap.String("sqs_message_id", msgID),
	)

	writeJSON(w, http.StatusAccepted, RunResponse{MessageID: msgID, RunKey: worker.RunKey(req)})
}

// GetRunStatus handles GET /v1/studies/{studyID}/runs/{date}?tag=nightly
func (h *Handler) GetRunStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Run lock not configured", "")
		return
	}

	date, err := sqs.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date", err.Error())
		return
	}

	key := worker.RunKey(sqs.Request{
		StudyID: chi.URLParam(r, "studyID"),
		Date:    date,
		Tag:     r.URL.Query().Get("tag"),
	})

	state := "unknown"
	done, err := h.status.Status(r.Context(), key)
	switch {
	case errors.Is(err, redis.ErrRunInProgress):
		state = "running"
	case err != nil:
		h.logger.Error("failed to read run status", zap.Error(err), zap.String("run_key", key))
		h.writeError(w, http.StatusInternalServerError, "redis_error", "Failed to read run status", "")
		return
	case done:
		state = "done"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"run_key": key,
		"state":   state,
	})
}

// ListBreakers handles GET /v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		stats = append(stats, b.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": stats})
}

// ResetBreaker handles POST /v1/breakers/{provider}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	for _, b := range h.breakers {
		if b.Stats().Provider == provider {
			b.Reset()
			h.logger.Info("sms circuit breaker reset via admin api", zap.String("provider", provider))
			writeJSON(w, http.StatusOK, b.Stats())
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "not_found", "Unknown provider", "")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
