package jobs

import (
	"encoding/json"

	"github.com/kiranshivaraju/consentlens/internal/queue"
	"github.com/kiranshivaraju/consentlens/pkg/models"
)

// Merge combines the engine status and the durable record of one job. Either
// may be nil. The engine wins for status, timestamps, result, error and
// progress; the record wins for the consent record link and audit metadata.
// A failed job never carries a result.
func Merge(jobID string, engine *queue.Status, record *models.Job) models.JobView {
	view := models.JobView{JobID: jobID}

	if record != nil {
		created := record.CreatedAt
		view.Status = record.Status
		view.CreatedAt = &created
		view.StartedAt = record.StartedAt
		view.EndedAt = record.FinishedAt
		view.Error = record.ErrorMessage
		view.Result = decodeResult(record.ResultData)
	}

	if engine != nil {
		view.Status = engine.Status
		if engine.CreatedAt != nil {
			view.CreatedAt = engine.CreatedAt
		}
		if engine.StartedAt != nil {
			view.StartedAt = engine.StartedAt
		}
		if engine.EndedAt != nil {
			view.EndedAt = engine.EndedAt
		}
		if r := decodeResult(engine.Result); r != nil {
			view.Result = r
		}
		if engine.Error != "" {
			msg := engine.Error
			view.Error = &msg
		}
		view.Progress = engine.Progress
		view.Priority = engine.Priority
	}

	if record != nil {
		view.ConsentRecordID = record.ConsentRecordID
		view.SourceURL = record.SourceURL
		view.OutputFormat = record.OutputFormat
		view.Priority = record.Priority
	}

	if view.Status == models.JobStatusFailed {
		view.Result = nil
	}
	if view.Result != nil && view.ConsentRecordID == nil && view.Result.RecordID != "" {
		id := view.Result.RecordID
		view.ConsentRecordID = &id
	}
	return view
}

func decodeResult(raw json.RawMessage) *models.PipelineResult {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var r models.PipelineResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return &r
}
