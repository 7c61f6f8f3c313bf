package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"PulseRelay/internal/models"
	"PulseRelay/internal/outbox"
	"PulseRelay/internal/queue"
	"PulseRelay/internal/render"
	"PulseRelay/internal/status"
)

const maxBodyBytes = 1 << 20

// Outbox is the write path behind the API.
type Outbox interface {
	Enqueue(ctx context.Context, req outbox.Request) (outbox.Receipt, error)
	EnqueueTemplate(ctx context.Context, req outbox.TemplateRequest) (outbox.Receipt, error)
	EnqueueBulk(ctx context.Context, req outbox.BulkRequest, csv io.Reader) (outbox.BulkReport, error)
	Requeue(ctx context.Context, id string) (*models.QueueEntry, error)
	Delete(ctx context.Context, id string) error
}

// Status is the read path behind the API.
type Status interface {
	Get(ctx context.Context, id string) (*models.QueueEntry, error)
	ListByStatus(ctx context.Context, st models.Status, limit int) ([]*models.QueueEntry, error)
	ListByNotification(ctx context.Context, notificationID string) ([]*models.QueueEntry, error)
	Stats(ctx context.Context) (status.Stats, error)
}

type Handler struct {
	Outbox Outbox
	Status Status
	// Health reports whether the store is reachable; nil means always healthy.
	Health      func(ctx context.Context) error
	BulkMaxRows int
	Log         *zap.Logger
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /notifications", h.CreateNotification)
	mux.HandleFunc("POST /notifications/bulk", h.CreateBulk)
	mux.HandleFunc("GET /notifications", h.ListNotifications)
	mux.HandleFunc("GET /notifications/{id}", h.GetNotification)
	mux.HandleFunc("POST /notifications/{id}/requeue", h.RequeueNotification)
	mux.HandleFunc("DELETE /notifications/{id}", h.DeleteNotification)
	mux.HandleFunc("GET /stats", h.GetStats)
	mux.HandleFunc("GET /healthz", h.Healthz)
	return mux
}

// CreateNotification accepts either rendered content or a template name with
// variables.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var peek struct {
		Template string `json:"template"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var receipt outbox.Receipt
	if peek.Template != "" {
		var req outbox.TemplateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		receipt, err = h.Outbox.EnqueueTemplate(r.Context(), req)
	} else {
		var req outbox.Request
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		receipt, err = h.Outbox.Enqueue(r.Context(), req)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, receipt)
}

// CreateBulk enqueues one templated notification per row of a CSV body.
func (h *Handler) CreateBulk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := outbox.BulkRequest{
		NotificationID: q.Get("notification_id"),
		Channel:        models.Channel(q.Get("channel")),
		Template:       q.Get("template"),
		Priority:       models.Priority(q.Get("priority")),
		MaxRows:        h.BulkMaxRows,
	}

	report, err := h.Outbox.EnqueueBulk(r.Context(), req, http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	code := http.StatusAccepted
	if report.Queued == 0 {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, report)
}

func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Status.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ListNotifications lists by ?notification_id= or by ?status= with an
// optional ?limit=.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		entries []*models.QueueEntry
		err     error
	)
	switch {
	case q.Get("notification_id") != "":
		entries, err = h.Status.ListByNotification(r.Context(), q.Get("notification_id"))
	case q.Get("status") != "":
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				h.writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
		}
		entries, err = h.Status.ListByStatus(r.Context(), models.Status(q.Get("status")), limit)
	default:
		h.writeJSONError(w, http.StatusBadRequest, "status or notification_id is required")
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handler) RequeueNotification(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Outbox.Requeue(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.Outbox.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Status.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			h.Log.Warn("health check failed", zap.Error(err))
			h.writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, render.ErrTemplateNotFound):
		return http.StatusBadRequest
	case errors.Is(err, render.ErrMissingVariables):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, queue.ErrRetryBudgetExhausted),
		errors.Is(err, queue.ErrStatusConflict),
		errors.Is(err, queue.ErrDuplicateEntry):
		return http.StatusConflict
	case errors.Is(err, queue.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if code == http.StatusInternalServerError {
		h.writeJSONError(w, code, "internal error")
		return
	}
	h.writeJSONError(w, code, err.Error())
}

func (h *Handler) writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
