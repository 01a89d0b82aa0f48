package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/consentlens/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// HTMLContentSource is stored as source_url for runs whose source was not a URL.
const HTMLContentSource = "HTML_CONTENT"

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// SaveRun persists a consent record and all of its clauses in one
	// transaction and returns the new record id.
	SaveRun(ctx context.Context, run RunRecord) (string, error)
	GetConsentRecord(ctx context.Context, id string) (*models.ConsentRecord, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, opts ...JobUpdateOption) error
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunRecord is one pipeline run to persist.
type RunRecord struct {
	Source string
	Items  []models.ClassifiedClause
	JobID  *string
}

type jobUpdateParams struct {
	Status          *string
	ErrorMessage    *string
	ConsentRecordID *string
	ResultData      json.RawMessage
	RetryCount      *int
}

// JobUpdateOption sets one field of a job update. Fields without an option
// are left untouched.
type JobUpdateOption func(*jobUpdateParams)

func WithStatus(status string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Status = &status
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithConsentRecordID(id string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ConsentRecordID = &id
	}
}

func WithResultData(data json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ResultData = data
	}
}

// WithRetryCount records how many times the engine has attempted the job.
func WithRetryCount(n int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.RetryCount = &n
	}
}

var validTransitions = map[string][]string{
	models.JobStatusQueued:  {models.JobStatusStarted},
	models.JobStatusStarted: {models.JobStatusFinished, models.JobStatusFailed},
}

// checkTransition allows the listed transitions and re-applying the current status.
func checkTransition(current, next string) error {
	if current == next {
		return nil
	}
	for _, a := range validTransitions[current] {
		if a == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

func sourceFields(source string) (url, typ string) {
	if isURL(source) {
		return source, "url"
	}
	return HTMLContentSource, "html"
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
