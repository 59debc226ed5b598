package reports

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

var (
	// ErrInvalidReport indicates that an audit payload cannot be stored.
	ErrInvalidReport = errors.New("reports: invalid report payload")
)

// Category is the slim form of one Lighthouse category: its per-audit
// references are not kept. Fields the service does not interpret are carried
// in Extra and written back unchanged.
type Category struct {
	ID                string
	Title             string
	Description       string
	ManualDescription string
	Score             *float64
	Extra             map[string]json.RawMessage
}

type categoryFields struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	ManualDescription string   `json:"manualDescription,omitempty"`
	Score             *float64 `json:"score"`
}

var categoryKnownKeys = []string{"id", "title", "description", "manualDescription", "score", fieldAuditRefs}

// UnmarshalJSON decodes a category, dropping its auditRefs.
func (c *Category) UnmarshalJSON(data []byte) error {
	var fields categoryFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	for _, key := range categoryKnownKeys {
		delete(extra, key)
	}
	*c = Category{
		ID:                fields.ID,
		Title:             fields.Title,
		Description:       fields.Description,
		ManualDescription: fields.ManualDescription,
		Score:             fields.Score,
	}
	if len(extra) > 0 {
		c.Extra = extra
	}
	return nil
}

// MarshalJSON encodes the category with its extra fields.
func (c Category) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(categoryFields{
		ID:                c.ID,
		Title:             c.Title,
		Description:       c.Description,
		ManualDescription: c.ManualDescription,
		Score:             c.Score,
	})
	if err != nil || len(c.Extra) == 0 {
		return encoded, err
	}

	merged := make(map[string]json.RawMessage, len(c.Extra)+len(categoryKnownKeys))
	for key, value := range c.Extra {
		if key != fieldAuditRefs {
			merged[key] = value
		}
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &known); err != nil {
		return nil, err
	}
	for key, value := range known {
		merged[key] = value
	}
	return json.Marshal(merged)
}

// CruxData holds real-user field data keyed by source (loadingExperience,
// originLoadingExperience). Only populated keys are present.
type CruxData map[string]json.RawMessage

// Report is one stored audit run.
type Report struct {
	ID         string          `json:"id"`
	URL        string          `json:"url"`
	AuditedOn  time.Time       `json:"auditedOn"`
	Categories []Category      `json:"categories"`
	Crux       CruxData        `json:"crux,omitempty"`
	FullReport json.RawMessage `json:"fullReport,omitempty"`
}

// ReportRecord is the persisted row of a Report.
type ReportRecord struct {
	ReportID        string         `gorm:"column:report_id;primaryKey;size:64;not null"`
	// size matches slug.MaxIDLength.
	URLID           string         `gorm:"column:url_id;size:700;not null;index:idx_reports_url_audited,priority:1"`
	AuditedOnMillis int64          `gorm:"column:audited_on_ms;not null;index:idx_reports_url_audited,priority:2"`
	CategoriesJSON  datatypes.JSON `gorm:"column:categories_json;not null"`
	CruxJSON        datatypes.JSON `gorm:"column:crux_json"`
}

// TableName provides the explicit table binding for GORM.
func (ReportRecord) TableName() string {
	return "reports"
}

// FinalizeRequest carries a successful audit into the store. Categories may
// be omitted, in which case they are read from FullReport.
type FinalizeRequest struct {
	URL        string
	Categories json.RawMessage
	FullReport json.RawMessage
	Crux       CruxData
}

// DeleteSummary describes the work done by DeleteAllReports.
type DeleteSummary struct {
	Deleted int
	Batches int
}
