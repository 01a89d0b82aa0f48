// Package jobs tracks asynchronous analyses: it submits them to the execution
// engine, runs them inside workers and answers status queries.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/consentlens/internal/export"
	"github.com/kiranshivaraju/consentlens/internal/pipeline"
	"github.com/kiranshivaraju/consentlens/internal/queue"
	"github.com/kiranshivaraju/consentlens/internal/store"
	"github.com/kiranshivaraju/consentlens/pkg/models"
)

// ErrJobNotFound means neither the engine nor the job store knows the id.
var ErrJobNotFound = errors.New("job not found")

// TaskAnalyze is the engine task type of a pipeline run.
const TaskAnalyze = "analyze"

const recordWriteTimeout = 10 * time.Second

// JobStore is the durable job record store.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, opts ...store.JobUpdateOption) error
}

// Engine is the background execution engine.
type Engine interface {
	Enqueue(ctx context.Context, task queue.Task, priority, jobID string) (string, error)
	Status(ctx context.Context, jobID string) (*queue.Status, error)
	SetProgress(ctx context.Context, jobID string, progress map[string]any) error
}

// Pipeline runs one analysis.
type Pipeline interface {
	Run(ctx context.Context, src string, opts pipeline.Options) (*models.PipelineResult, error)
}

// SubmitRequest describes an analysis to run asynchronously.
type SubmitRequest struct {
	Source       string
	OutputFormat string
	Priority     string
	UserAgent    string
	IPAddress    string
}

type analyzePayload struct {
	Source       string `json:"source"`
	OutputFormat string `json:"output_format"`
}

// Options configures a Service.
type Options struct {
	// OutputDir, when set, receives one result file per job under
	// OutputDir/<job id>/results.<format>.
	OutputDir string
}

// Service ties the job store, the engine and the pipeline together.
type Service struct {
	store    JobStore
	engine   Engine
	pipeline Pipeline
	opts     Options
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(s JobStore, e Engine, p Pipeline, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, engine: e, pipeline: p, opts: opts, logger: logger}
}

// Submit records a queued job and hands it to the engine.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Priority == "" {
		req.Priority = models.PriorityDefault
	}
	if req.OutputFormat == "" {
		req.OutputFormat = export.FormatJSON
	}

	jobID := uuid.NewString()
	job := &models.Job{
		ID:           jobID,
		SourceURL:    req.Source,
		Status:       models.JobStatusQueued,
		OutputFormat: req.OutputFormat,
		Priority:     req.Priority,
		UserAgent:    optional(req.UserAgent),
		IPAddress:    optional(req.IPAddress),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}

	payload, err := json.Marshal(analyzePayload{Source: req.Source, OutputFormat: req.OutputFormat})
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	if _, err := s.engine.Enqueue(ctx, queue.Task{Type: TaskAnalyze, Payload: payload}, req.Priority, jobID); err != nil {
		if uerr := s.store.UpdateJob(ctx, jobID, store.WithErrorMessage("enqueue failed: "+err.Error())); uerr != nil {
			s.logger.Error("record enqueue failure", "job_id", jobID, "error", uerr)
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	s.logger.Info("job queued", "job_id", jobID, "priority", req.Priority)
	return jobID, nil
}

// Execute is the engine handler for analyze tasks. Failures are recorded on
// the job record and returned so the engine also marks the job failed. A run
// that outlives ctx counts as failed even when the pipeline returned a result.
func (s *Service) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	log := s.logger.With("job_id", job.ID)

	if err := s.updateRecord(ctx, job.ID, store.WithStatus(models.JobStatusStarted)); err != nil {
		log.Warn("mark job record started", "error", err)
	}

	result, err := s.run(ctx, job)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("job deadline exceeded: %w", ctx.Err())
	}
	if err != nil {
		if uerr := s.updateRecord(ctx, job.ID,
			store.WithStatus(models.JobStatusFailed),
			store.WithErrorMessage(err.Error()),
			store.WithRetryCount(job.Attempts),
		); uerr != nil {
			log.Error("mark job record failed", "error", uerr)
		}
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	opts := []store.JobUpdateOption{
		store.WithStatus(models.JobStatusFinished),
		store.WithResultData(data),
	}
	if result.RecordID != "" {
		opts = append(opts, store.WithConsentRecordID(result.RecordID))
	}
	if err := s.updateRecord(ctx, job.ID, opts...); err != nil {
		log.Error("mark job record finished", "error", err)
	}
	return data, nil
}

// updateRecord writes to the job record even after the job's own deadline
// has passed, bounded by recordWriteTimeout.
func (s *Service) updateRecord(ctx context.Context, jobID string, opts ...store.JobUpdateOption) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordWriteTimeout)
	defer cancel()
	return s.store.UpdateJob(ctx, jobID, opts...)
}

func (s *Service) run(ctx context.Context, job *queue.Job) (*models.PipelineResult, error) {
	if job.Task.Type != TaskAnalyze {
		return nil, fmt.Errorf("unknown task type %q", job.Task.Type)
	}
	var p analyzePayload
	if err := json.Unmarshal(job.Task.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}

	if err := s.engine.SetProgress(ctx, job.ID, map[string]any{"stage": "pipeline"}); err != nil {
		s.logger.Warn("set job progress", "job_id", job.ID, "error", err)
	}

	opts := pipeline.Options{JobID: job.ID, Persist: true}
	if s.opts.OutputDir != "" && export.Supported(p.OutputFormat) {
		opts.OutputFormat = p.OutputFormat
		opts.OutputPath = export.Path(filepath.Join(s.opts.OutputDir, job.ID), p.OutputFormat)
	}
	return s.pipeline.Run(ctx, p.Source, opts)
}

// Status merges the engine and durable views of jobID.
func (s *Service) Status(ctx context.Context, jobID string) (*models.JobView, error) {
	engineStatus, err := s.engine.Status(ctx, jobID)
	if err != nil && !errors.Is(err, queue.ErrNoSuchJob) {
		return nil, fmt.Errorf("engine status: %w", err)
	}

	record, err := s.store.GetJob(ctx, jobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("job record: %w", err)
	}

	if engineStatus == nil && record == nil {
		return nil, ErrJobNotFound
	}
	view := Merge(jobID, engineStatus, record)
	return &view, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
