package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/consentlens/internal/api/middleware"
	"github.com/kiranshivaraju/consentlens/internal/api/response"
	"github.com/kiranshivaraju/consentlens/internal/jobs"
	"github.com/kiranshivaraju/consentlens/internal/queue"
	"github.com/kiranshivaraju/consentlens/pkg/models"
)

// JobService is the subset of jobs.Service the handlers use.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (*models.JobView, error)
}

// QueueInspector reports per-priority queue counters.
type QueueInspector interface {
	Info(ctx context.Context) ([]queue.QueueInfo, error)
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// NewAsyncAnalyzeHandler returns an http.HandlerFunc for
// POST /api/v1/analyze/async.
func NewAsyncAnalyzeHandler(svc JobService, defaultFormat string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeAnalyzeRequest(w, r, defaultFormat)
		if !ok {
			return
		}

		jobID, err := svc.Submit(r.Context(), jobs.SubmitRequest{
			Source:       req.Source,
			OutputFormat: req.OutputFormat,
			Priority:     req.Priority,
			UserAgent:    r.UserAgent(),
			IPAddress:    r.RemoteAddr,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "ENQUEUE_FAILED",
				"Failed to queue analysis", nil)
			return
		}

		response.Accepted(w, submitResponse{
			JobID:     jobID,
			Status:    models.JobStatusQueued,
			Message:   "Analysis queued",
			RequestID: mw.GetRequestID(r),
		})
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			response.Invalid(w, "job_id", "job id is required")
			return
		}

		view, err := svc.Status(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found",
					map[string]string{"job_id": jobID, "status": models.JobStatusNotFound})
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to read job status", nil)
			return
		}

		response.JSON(w, view)
	}
}

// NewQueuesHandler returns an http.HandlerFunc for GET /api/v1/queues.
func NewQueuesHandler(q QueueInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := q.Info(r.Context())
		if err != nil {
			response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE",
				"Queue information unavailable", nil)
			return
		}
		response.JSON(w, map[string]any{"queues": info})
	}
}
