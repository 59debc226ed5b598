package server

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/reports"
)

const (
	formatJSON = "json"
	formatCSV  = "csv"
)

type reportHeader struct {
	RequestedURL string `json:"requestedUrl"`
	FinalURL     string `json:"finalUrl"`
	FetchTime    string `json:"fetchTime"`
}

// reportFilenamePrefix names a downloaded report after the audited host and
// the audit time, e.g. "example.com_2024-03-10_09-00-00".
func reportFilenamePrefix(fullReport json.RawMessage, fallbackURL string) string {
	var header reportHeader
	_ = json.Unmarshal(fullReport, &header)

	target := header.FinalURL
	if target == "" {
		target = header.RequestedURL
	}
	if target == "" {
		target = fallbackURL
	}
	host := "report"
	if parsed, err := url.Parse(target); err == nil && parsed.Hostname() != "" {
		host = parsed.Hostname()
	}

	fetched, err := time.Parse(time.RFC3339, header.FetchTime)
	if err != nil {
		return host
	}
	return host + "_" + fetched.UTC().Format("2006-01-02_15-04-05")
}

// renderCategoryCSV writes one row per category of the full report.
func renderCategoryCSV(fullReport json.RawMessage, reportURL string) ([]byte, error) {
	categories, err := reports.CategoriesOf(fullReport)
	if err != nil {
		return nil, err
	}

	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)
	if err := writer.Write([]string{"url", "category", "title", "score"}); err != nil {
		return nil, err
	}
	for _, category := range categories {
		score := ""
		if category.Score != nil {
			score = strconv.FormatFloat(*category.Score, 'f', -1, 64)
		}
		if err := writer.Write([]string{reportURL, category.ID, category.Title, score}); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	return buffer.Bytes(), nil
}

func normalizeFormat(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", formatJSON:
		return formatJSON, true
	case formatCSV:
		return formatCSV, true
	default:
		return "", false
	}
}
