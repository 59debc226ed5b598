package reports

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	fieldCategories = "categories"
	fieldAudits     = "audits"
	fieldAuditRefs  = "auditRefs"
	fieldI18n       = "i18n"
)

// SlimCategories converts Lighthouse categories into their slim form. It
// accepts the keyed object Lighthouse emits, preserving key order, or an
// already-slim array.
func SlimCategories(raw json.RawMessage) ([]Category, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: missing categories", ErrInvalidReport)
	}

	switch trimmed[0] {
	case '[':
		var categories []Category
		if err := json.Unmarshal(trimmed, &categories); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
		return validateCategories(categories)
	case '{':
		categories, err := decodeKeyedCategories(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
		return validateCategories(categories)
	default:
		return nil, fmt.Errorf("%w: categories must be an object or array", ErrInvalidReport)
	}
}

func decodeKeyedCategories(raw []byte) ([]Category, error) {
	return decodeKeyed(raw, func(category *Category, key string) {
		if category.ID == "" {
			category.ID = key
		}
	})
}

// decodeKeyed decodes a JSON object of items in document order, letting
// assignKey fill in anything the item derives from its key.
func decodeKeyed[T any](raw []byte, assignKey func(item *T, key string)) ([]T, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if _, err := decoder.Token(); err != nil {
		return nil, err
	}

	var items []T
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyToken.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", keyToken)
		}
		var item T
		if err := decoder.Decode(&item); err != nil {
			return nil, fmt.Errorf("%q: %w", key, err)
		}
		assignKey(&item, key)
		items = append(items, item)
	}
	if _, err := decoder.Token(); err != nil {
		return nil, err
	}
	return items, nil
}

func validateCategories(categories []Category) ([]Category, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("%w: no categories", ErrInvalidReport)
	}
	for _, category := range categories {
		if category.ID == "" {
			return nil, fmt.Errorf("%w: category without id", ErrInvalidReport)
		}
		if category.Score != nil && (*category.Score < 0 || *category.Score > 1) {
			return nil, fmt.Errorf("%w: category %s score %v outside 0..1", ErrInvalidReport, category.ID, *category.Score)
		}
	}
	return categories, nil
}

// trimFullReport drops the localisation table from a raw Lighthouse result.
// An empty input yields an empty result.
func trimFullReport(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: full report: %v", ErrInvalidReport, err)
	}
	if _, ok := fields[fieldI18n]; !ok {
		return json.RawMessage(trimmed), nil
	}
	delete(fields, fieldI18n)
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: full report: %v", ErrInvalidReport, err)
	}
	return encoded, nil
}

func fieldOf(fullReport json.RawMessage, name string) json.RawMessage {
	if len(fullReport) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(fullReport, &fields); err != nil {
		return nil
	}
	return fields[name]
}

// CategoriesOf returns the slim categories of a raw Lighthouse result.
func CategoriesOf(fullReport json.RawMessage) ([]Category, error) {
	return SlimCategories(fieldOf(fullReport, fieldCategories))
}

// AuditsOf lists the audits of a raw Lighthouse result in document order.
func AuditsOf(fullReport json.RawMessage) ([]AuditSummary, error) {
	raw := bytes.TrimSpace(fieldOf(fullReport, fieldAudits))
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: missing audits", ErrInvalidReport)
	}
	audits, err := decodeKeyed(raw, func(audit *AuditSummary, key string) {
		if audit.ID == "" {
			audit.ID = key
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	return audits, nil
}
