package reports

import (
	_ "embed"
	"encoding/json"
)

//go:embed reference_lhr.json
var referenceReport []byte

// CategorySummary describes a Lighthouse category for the dashboard.
type CategorySummary struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	ManualDescription string `json:"manualDescription,omitempty"`
}

// AuditSummary describes a Lighthouse audit for the dashboard.
type AuditSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Catalog lists the categories and audits a reference Lighthouse result
// defines.
type Catalog struct {
	Categories []CategorySummary
	Audits     []AuditSummary
}

// NewCatalog builds a catalog from a raw Lighthouse result.
func NewCatalog(fullReport json.RawMessage) (Catalog, error) {
	categories, err := CategoriesOf(fullReport)
	if err != nil {
		return Catalog{}, err
	}
	audits, err := AuditsOf(fullReport)
	if err != nil {
		return Catalog{}, err
	}
	if audits == nil {
		audits = []AuditSummary{}
	}

	catalog := Catalog{
		Categories: make([]CategorySummary, 0, len(categories)),
		Audits:     audits,
	}
	for _, category := range categories {
		catalog.Categories = append(catalog.Categories, CategorySummary{
			ID:                category.ID,
			Title:             category.Title,
			ManualDescription: category.ManualDescription,
		})
	}
	return catalog, nil
}

// DefaultCatalog is the catalog of the bundled reference report.
func DefaultCatalog() (Catalog, error) {
	return NewCatalog(referenceReport)
}
