package bulkq

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler provides HTTP endpoints for the bulk queue.
type Handler struct {
	queue   *Queue
	records RecordReader
}

// NewHandler creates a queue HTTP handler. records may be nil, in which
// case record lookups answer 404.
func NewHandler(q *Queue, records RecordReader) *Handler {
	return &Handler{queue: q, records: records}
}

// Routes returns a chi.Router with all queue endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/items", h.handleEnqueue)
	r.Get("/status", h.handleStatus)
	r.Get("/progress", h.handleProgress)
	r.Get("/completed", h.handleCompleted)
	r.Get("/failed", h.handleFailed)
	r.Get("/errors", h.handleErrors)
	r.Post("/cancel", h.handleCancel)
	r.Post("/retry", h.handleRetry)
	r.Post("/reset", h.handleReset)
	r.Get("/records/{barcode}", h.handleGetRecord)
	return r
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ErrNoItems.Error()})
		return
	}

	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	}
	n := h.queue.EnqueueItems(req.Items, priority)
	if n == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue not accepting items"})
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{Enqueued: n})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.GetAllStatus())
}

// progressResponse is the /progress body.
type progressResponse struct {
	ProgressEvent
	IsProcessing bool `json:"is_processing"`
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, progressResponse{
		ProgressEvent: NewProgressEvent(h.queue.Progress()),
		IsProcessing:  h.queue.IsProcessing(),
	})
}

func (h *Handler) handleCompleted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.GetCompletedItems())
}

func (h *Handler) handleFailed(w http.ResponseWriter, r *http.Request) {
	failed := h.queue.GetFailedItems()
	if failed == nil {
		failed = []FailedItem{}
	}
	writeJSON(w, http.StatusOK, failed)
}

func (h *Handler) handleErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.GetErrorsByCategory())
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.queue.CancelProcessing()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	n := h.queue.RetryFailedItems()
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.queue.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record lookup not configured"})
		return
	}
	barcode := chi.URLParam(r, "barcode")
	rec, err := h.records.Get(r.Context(), barcode)
	if errors.Is(err, ErrRecordNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	if err != nil {
		slog.Error("get record failed", "barcode", barcode, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
