package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	mw "github.com/kiranshivaraju/consentlens/internal/api/middleware"
	"github.com/kiranshivaraju/consentlens/internal/api/response"
	"github.com/kiranshivaraju/consentlens/internal/pipeline"
	"github.com/kiranshivaraju/consentlens/internal/source"
	"github.com/kiranshivaraju/consentlens/pkg/models"
)

// Analyzer runs the pipeline synchronously.
type Analyzer interface {
	Run(ctx context.Context, src string, opts pipeline.Options) (*models.PipelineResult, error)
}

type analyzeResponse struct {
	Success    bool                      `json:"success"`
	Items      []models.ClassifiedClause `json:"items"`
	TotalItems int                       `json:"total_items"`
	Categories map[string]int            `json:"categories"`
	RequestID  string                    `json:"request_id"`
}

type runOutcome struct {
	result *models.PipelineResult
	err    error
}

// NewAnalyzeHandler returns an http.HandlerFunc for POST /api/v1/analyze.
// The pipeline runs on its own goroutine; when timeout elapses first the
// client gets 408 and the late result is dropped.
func NewAnalyzeHandler(a Analyzer, timeout time.Duration, defaultFormat string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeAnalyzeRequest(w, r, defaultFormat)
		if !ok {
			return
		}
		requestID := mw.GetRequestID(r)

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		done := make(chan runOutcome, 1)
		go func() {
			res, err := a.Run(ctx, req.Source, pipeline.Options{RequestID: requestID})
			done <- runOutcome{result: res, err: err}
		}()

		var out runOutcome
		select {
		case out = <-done:
		case <-ctx.Done():
			slog.Error("pipeline execution timed out",
				"request_id", requestID,
				"timeout_seconds", timeout.Seconds(),
			)
			response.Error(w, http.StatusRequestTimeout, "REQUEST_TIMEOUT",
				"Request timed out after "+timeout.String(), nil)
			return
		}

		if out.err != nil {
			switch {
			case errors.Is(out.err, context.DeadlineExceeded):
				response.Error(w, http.StatusRequestTimeout, "REQUEST_TIMEOUT",
					"Request timed out after "+timeout.String(), nil)
			case errors.Is(out.err, source.ErrTransport):
				response.Error(w, http.StatusBadGateway, "SOURCE_UNREACHABLE",
					"The source could not be fetched", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "ANALYSIS_FAILED",
					"Analysis failed", nil)
			}
			return
		}

		response.JSON(w, analyzeResponse{
			Success:    true,
			Items:      out.result.Items,
			TotalItems: out.result.TotalItems,
			Categories: out.result.Categories,
			RequestID:  requestID,
		})
	}
}
