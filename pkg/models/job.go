package models

import (
	"encoding/json"
	"time"
)

const (
	JobStatusQueued   = "queued"
	JobStatusStarted  = "started"
	JobStatusFinished = "finished"
	JobStatusFailed   = "failed"

	// JobStatusNotFound is only ever returned by status queries; it is never stored.
	JobStatusNotFound = "not_found"
)

const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
)

// Job is the durable record of an async analysis. The API returns a job_id on
// POST /api/v1/analyze/async; the client polls GET /api/v1/jobs/{job_id}
// until status is finished or failed.
type Job struct {
	ID              string          `db:"id"                json:"id"`
	ConsentRecordID *string         `db:"consent_record_id" json:"consent_record_id,omitempty"`
	SourceURL       string          `db:"source_url"        json:"source_url"`
	Status          string          `db:"status"            json:"status"`
	OutputFormat    string          `db:"output_format"     json:"output_format"`
	Priority        string          `db:"priority"          json:"priority"`
	ResultData      json.RawMessage `db:"result_data"       json:"result_data,omitempty"`
	ErrorMessage    *string         `db:"error_message"     json:"error_message,omitempty"`
	RetryCount      int             `db:"retry_count"       json:"retry_count"`
	UserAgent       *string         `db:"user_agent"        json:"user_agent,omitempty"`
	IPAddress       *string         `db:"ip_address"        json:"ip_address,omitempty"`
	CreatedAt       time.Time       `db:"created_at"        json:"created_at"`
	StartedAt       *time.Time      `db:"started_at"        json:"started_at,omitempty"`
	FinishedAt      *time.Time      `db:"finished_at"       json:"finished_at,omitempty"`
}

// JobView is the merged answer to a status query.
type JobView struct {
	JobID           string          `json:"job_id"`
	Status          string          `json:"status"`
	CreatedAt       *time.Time      `json:"created_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	Result          *PipelineResult `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	Progress        map[string]any  `json:"progress,omitempty"`
	ConsentRecordID *string         `json:"consent_record_id,omitempty"`
	SourceURL       string          `json:"source_url,omitempty"`
	OutputFormat    string          `json:"output_format,omitempty"`
	Priority        string          `json:"priority,omitempty"`
}

// IsTerminal reports whether status is finished or failed.
func IsTerminal(status string) bool {
	return status == JobStatusFinished || status == JobStatusFailed
}
