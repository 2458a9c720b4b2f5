package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pipeline-service/internal/entity"
)

type Submitter interface {
	Submit(ctx context.Context, req entity.PipelineRequest) (entity.PipelineResponse, error)
}

type Jobs interface {
	Snapshot(ctx context.Context, jobID string) (entity.Job, error)
	PartialResults(ctx context.Context, jobID string) ([]json.RawMessage, error)
}

type Handler struct {
	submitter Submitter
	jobs      Jobs
	log       *slog.Logger
}

func NewHandler(submitter Submitter, jobs Jobs, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{submitter: submitter, jobs: jobs, log: logger}
}

type partialResp struct {
	TaskID  string            `json:"task_id"`
	Results []json.RawMessage `json:"results"`
}

// CreatePipeline godoc
// @Summary Submit a pipeline
// @Description Validates the provider, normalizes every work item and queues the survivors for extraction. Identical workloads within the cache window return the earlier response.
// @Tags pipelines
// @Accept json
// @Produce json
// @Param request body entity.PipelineRequest true "workloads, provider and destination"
// @Success 202 {object} entity.PipelineResponse
// @Failure 400 {object} apiError
// @Failure 503 {object} apiError
// @Failure 500 {object} apiError
// @Router /pipelines [post]
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req entity.PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	resp, err := h.submitter.Submit(r.Context(), req)
	if err != nil {
		if code := writeAppErr(w, err); code >= 500 {
			h.log.Error("[http] submit failed", "status", code, "error", err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// GetPipeline godoc
// @Summary Get pipeline status
// @Description Folds the job status log into its current status, results and errors. A task with no status entries is 404.
// @Tags pipelines
// @Produce json
// @Param task_id path string true "task id"
// @Success 200 {object} entity.Job
// @Failure 404 {object} apiError
// @Failure 500 {object} apiError
// @Router /pipelines/{task_id} [get]
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "task_id"))
	if id == "" {
		writeErr(w, http.StatusBadRequest, "invalid task_id")
		return
	}

	job, err := h.jobs.Snapshot(r.Context(), id)
	if err != nil {
		h.log.Error("[http] snapshot failed", "job_id", id, "error", err)
		writeErr(w, http.StatusInternalServerError, "failed to read job status")
		return
	}
	if job.Entries == 0 && job.StartTime == 0 {
		writeErr(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetPartialResults godoc
// @Summary Get merged transformation results
// @Description Results merged so far by the transformation stage, before loading finishes.
// @Tags pipelines
// @Produce json
// @Param task_id path string true "task id"
// @Success 200 {object} partialResp
// @Failure 500 {object} apiError
// @Router /pipelines/{task_id}/partial [get]
func (h *Handler) GetPartialResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")

	results, err := h.jobs.PartialResults(r.Context(), id)
	if err != nil {
		h.log.Error("[http] partial results failed", "job_id", id, "error", err)
		writeErr(w, http.StatusInternalServerError, "failed to read partial results")
		return
	}
	writeJSON(w, http.StatusOK, partialResp{TaskID: id, Results: results})
}
