package models

import "time"

// Element types produced by the extractor. JSON input may carry any other
// declared type verbatim.
const (
	ElementCheckbox = "checkbox"
	ElementButton   = "button"
	ElementLink     = "link"
	ElementBanner   = "banner"
	ElementUnknown  = "unknown"
)

// ConsentElement is a candidate consent-related UI element. It is ephemeral:
// produced by extraction, consumed by classification.
type ConsentElement struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Element string `json:"element"`
}

// ClassifiedClause is a ConsentElement with its assigned category.
type ClassifiedClause struct {
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Type       string  `json:"type"`
	Element    string  `json:"element"`
}

// PipelineResult is the aggregate output of one pipeline run.
// TotalItems == len(Items) and the Categories counts sum to TotalItems.
type PipelineResult struct {
	Items      []ClassifiedClause `json:"items"`
	TotalItems int                `json:"total_items"`
	Categories map[string]int     `json:"categories"`
	RecordID   string             `json:"consent_record_id,omitempty"`
}

// NewPipelineResult tallies items into a PipelineResult. A nil slice yields
// an empty (non-nil) result.
func NewPipelineResult(items []ClassifiedClause) *PipelineResult {
	if items == nil {
		items = []ClassifiedClause{}
	}
	return &PipelineResult{
		Items:      items,
		TotalItems: len(items),
		Categories: Tally(items),
	}
}

// Tally counts clauses per category.
func Tally(items []ClassifiedClause) map[string]int {
	counts := make(map[string]int)
	for _, it := range items {
		counts[it.Category]++
	}
	return counts
}

// ConsentRecord is the persisted summary of one pipeline run.
type ConsentRecord struct {
	ID         string         `db:"id"          json:"id"`
	SourceURL  string         `db:"source_url"  json:"source_url"`
	SourceType string         `db:"source_type" json:"source_type"`
	JobID      *string        `db:"job_id"      json:"job_id,omitempty"`
	TotalItems int            `db:"total_items" json:"total_items"`
	Categories map[string]int `db:"categories"  json:"categories"`
	Status     string         `db:"status"      json:"status"`
	CreatedAt  time.Time      `db:"created_at"  json:"created_at"`
	Clauses    []ClauseRecord `db:"-"           json:"clauses,omitempty"`
}

// ClauseRecord is one persisted clause of a ConsentRecord.
type ClauseRecord struct {
	ID            string    `db:"id"             json:"id"`
	ConsentID     string    `db:"consent_id"     json:"consent_id"`
	Position      int       `db:"position"       json:"position"`
	Text          string    `db:"text"           json:"text"`
	Category      string    `db:"category"       json:"category"`
	Confidence    float64   `db:"confidence"     json:"confidence"`
	ElementType   string    `db:"element_type"   json:"element_type"`
	IsInteractive string    `db:"is_interactive" json:"is_interactive"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
}
