package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/grabwire/grab-api/internal/api/shared"
	"github.com/grabwire/grab-api/internal/task"
)

// SubmitDownloadRequest represents the request body for queueing a download.
type SubmitDownloadRequest struct {
	Owner   int64  `json:"owner"             validate:"required"`
	URL     string `json:"url"               validate:"required,url"`
	Format  string `json:"format"            validate:"required,oneof=mp3 mp4 srt txt"`
	Quality string `json:"quality,omitempty"`
	Plan    string `json:"plan,omitempty"`
}

// SubmitDownloadResponse is returned once a task has been queued.
type SubmitDownloadResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Position int    `json:"position"`
}

// TaskResponse is the status view of one task.
type TaskResponse struct {
	ID         string    `json:"id"`
	Owner      int64     `json:"owner"`
	URL        string    `json:"url"`
	Format     string    `json:"format"`
	Priority   string    `json:"priority"`
	Status     string    `json:"status"`
	Position   int       `json:"position,omitempty"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DownloadHandler handles download queue HTTP requests.
type DownloadHandler struct {
	manager   *task.Manager
	validator *validator.Validate
}

// NewDownloadHandler creates a new DownloadHandler.
func NewDownloadHandler(manager *task.Manager) *DownloadHandler {
	return &DownloadHandler{
		manager:   manager,
		validator: validator.New(),
	}
}

// SubmitDownload handles POST /api/downloads requests.
// Queueing is asynchronous, so success is a 202 with the task's queue
// position.
func (h *DownloadHandler) SubmitDownload(w http.ResponseWriter, r *http.Request) {
	var req SubmitDownloadRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	payload := task.DownloadRequest{
		URL:     req.URL,
		Format:  req.Format,
		Quality: req.Quality,
	}
	id, err := h.manager.Submit(r.Context(), req.Owner, payload, task.PriorityFromPlan(req.Plan))
	if err != nil {
		switch {
		case errors.Is(err, task.ErrDuplicateTask):
			shared.RespondWithError(w, r, http.StatusConflict, "An identical download is already queued")
		case errors.Is(err, task.ErrManagerClosed):
			shared.RespondWithError(w, r, http.StatusServiceUnavailable, "Queue is shutting down")
		default:
			slog.Error("failed to submit download", "error", err, "owner", req.Owner)
			shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to queue download")
		}
		return
	}

	position, _ := h.manager.PositionOf(id)
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitDownloadResponse{
		ID:       id.String(),
		Status:   string(task.StatusPending),
		Position: position,
	})
}

// GetDownload handles GET /api/downloads/{id} requests.
func (h *DownloadHandler) GetDownload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	snapshot, err := h.manager.SnapshotFor(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
			return
		}
		slog.Error("failed to get task snapshot", "error", err, "task_id", id)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to get task status")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, snapshotToResponse(snapshot))
}

// ListDownloads handles GET /api/downloads?owner= requests.
func (h *DownloadHandler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	ownerParam := r.URL.Query().Get("owner")
	owner, err := strconv.ParseInt(ownerParam, 10, 64)
	if err != nil || owner == 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Missing or invalid owner parameter")
		return
	}

	snapshots := h.manager.ListForOwner(owner)
	responses := make([]TaskResponse, 0, len(snapshots))
	for _, s := range snapshots {
		responses = append(responses, snapshotToResponse(s))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

func snapshotToResponse(s task.TaskSnapshot) TaskResponse {
	return TaskResponse{
		ID:         s.ID.String(),
		Owner:      s.Owner,
		URL:        s.URL,
		Format:     s.Format,
		Priority:   s.Priority,
		Status:     string(s.Status),
		Position:   s.Position,
		RetryCount: s.RetryCount,
		Error:      s.Error,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}
