// Package pipeline sequences source loading, extraction, classification and
// aggregation for a single source.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/consentlens/internal/classify"
	"github.com/kiranshivaraju/consentlens/internal/export"
	"github.com/kiranshivaraju/consentlens/internal/extract"
	"github.com/kiranshivaraju/consentlens/internal/source"
	"github.com/kiranshivaraju/consentlens/internal/store"
	"github.com/kiranshivaraju/consentlens/pkg/models"
)

// Stages reported when a run fails.
const (
	StageExtraction     = "extraction"
	StageClassification = "classification"
	StageGeneral        = "general"
)

// Loader resolves a source string to content.
type Loader interface {
	Load(ctx context.Context, src string) (source.Content, error)
}

// Classifier labels extracted elements.
type Classifier interface {
	Classify(elements []models.ConsentElement) []models.ClassifiedClause
}

// Sink persists a finished run and returns its record id.
type Sink interface {
	SaveRun(ctx context.Context, run store.RunRecord) (string, error)
}

// Config configures a Runner. Zero values are usable.
type Config struct {
	// Rules is the keyword table; nil uses classify.DefaultRules.
	Rules []classify.Rule
	// NewClassifier overrides how the per-run classifier is built.
	NewClassifier func(rules []classify.Rule) Classifier
	// OutputDir is where result files go when no explicit path is given.
	OutputDir string
	// Observer, when set, is told the stage of every failed run.
	Observer func(stage string, err error)
}

// Options are per-run settings.
type Options struct {
	// RequestID correlates log lines; defaults to JobID, then a new uuid.
	RequestID string
	JobID     string
	// Persist saves the run through the Runner's Sink.
	Persist bool
	// OutputFormat, when set, writes the clauses to a file in that format.
	OutputFormat string
	// OutputPath overrides the default OutputDir/results.<format>.
	OutputPath string
}

// Runner holds no per-run state, so one Runner serves concurrent runs.
type Runner struct {
	loader Loader
	sink   Sink
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a Runner. sink may be nil when runs are never persisted.
func NewRunner(loader Loader, sink Sink, cfg Config, logger *slog.Logger) *Runner {
	if cfg.NewClassifier == nil {
		cfg.NewClassifier = func(rules []classify.Rule) Classifier { return classify.New(rules) }
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "outputs"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{loader: loader, sink: sink, cfg: cfg, logger: logger}
}

// Run executes the pipeline for src. Errors are returned unchanged after
// being logged with the stage they came from.
func (r *Runner) Run(ctx context.Context, src string, opts Options) (*models.PipelineResult, error) {
	requestID := opts.RequestID
	if requestID == "" {
		requestID = opts.JobID
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := r.logger.With("request_id", requestID)
	start := time.Now()

	content, err := r.loader.Load(ctx, src)
	if err != nil {
		return nil, r.fail(log, StageExtraction, err)
	}
	log.Info("pipeline started", "source_type", content.Kind.String())

	x := extract.New(log)
	var elements []models.ConsentElement
	if content.Kind == source.KindStructured {
		elements, err = x.FromJSON(content.Raw)
	} else {
		elements, err = x.FromHTML(content.Raw)
	}
	if err != nil {
		return nil, r.fail(log, StageExtraction, err)
	}

	if len(elements) == 0 {
		log.Warn("no consent items extracted")
		result := models.NewPipelineResult(nil)
		if err := r.persist(ctx, log, src, result, opts); err != nil {
			return nil, r.fail(log, StageGeneral, err)
		}
		return result, nil
	}

	items, err := r.classify(elements)
	if err != nil {
		return nil, r.fail(log, StageClassification, err)
	}
	result := models.NewPipelineResult(items)

	log.Info("pipeline finished",
		"duration_ms", time.Since(start).Milliseconds(),
		"total_items", result.TotalItems,
		"categories", result.Categories,
	)

	if err := r.persist(ctx, log, src, result, opts); err != nil {
		return nil, r.fail(log, StageGeneral, err)
	}

	if opts.OutputFormat != "" || opts.OutputPath != "" {
		if err := r.writeFile(log, result, opts); err != nil {
			return nil, r.fail(log, StageGeneral, err)
		}
	}

	return result, nil
}

// classify builds a fresh classifier and converts a panic into an error.
func (r *Runner) classify(elements []models.ConsentElement) (items []models.ClassifiedClause, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", classify.ErrClassification, rec)
		}
	}()
	return r.cfg.NewClassifier(r.cfg.Rules).Classify(elements), nil
}

func (r *Runner) persist(ctx context.Context, log *slog.Logger, src string, result *models.PipelineResult, opts Options) error {
	if !opts.Persist {
		return nil
	}
	if r.sink == nil {
		return fmt.Errorf("persist requested but no sink configured")
	}

	run := store.RunRecord{Source: src, Items: result.Items}
	if opts.JobID != "" {
		jobID := opts.JobID
		run.JobID = &jobID
	}
	id, err := r.sink.SaveRun(ctx, run)
	if err != nil {
		return err
	}
	result.RecordID = id
	log.Info("results saved to database", "consent_record_id", id)
	return nil
}

func (r *Runner) writeFile(log *slog.Logger, result *models.PipelineResult, opts Options) error {
	format := opts.OutputFormat
	path := opts.OutputPath
	if format == "" {
		format = formatFromPath(path)
	}
	if path == "" {
		path = export.Path(r.cfg.OutputDir, format)
	}
	if err := export.Write(path, format, result.Items); err != nil {
		return err
	}
	log.Info("results written", "path", path, "format", format)
	return nil
}

func (r *Runner) fail(log *slog.Logger, stage string, err error) error {
	log.Error("pipeline run failed", "stage", stage, "error", err)
	if r.cfg.Observer != nil {
		r.cfg.Observer(stage, err)
	}
	return err
}

func formatFromPath(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return export.FormatJSON
	}
	return ext[1:]
}
