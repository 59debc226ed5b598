package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	maxRequestBodyBytes = 1 << 20
	sinceSlack          = time.Minute
	formContentType     = "application/x-www-form-urlencoded"
)

type urlInput struct {
	URL    string `json:"url"`
	OldURL string `json:"oldUrl"`
}

// extractURLInput reads the target URL from a JSON body, a form body, the
// query string, or a bare JSON string body, in that order.
func extractURLInput(c *gin.Context) (urlInput, error) {
	var input urlInput
	var readErr error
	if c.Request.Body != nil && c.Request.Method != http.MethodGet {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		readErr = err
		input = parseURLBody(raw, c.ContentType())
	}
	if input.URL == "" {
		input.URL = c.Query("url")
	}
	if input.OldURL == "" {
		input.OldURL = c.Query("oldUrl")
	}
	input.URL = strings.TrimSpace(input.URL)
	input.OldURL = strings.TrimSpace(input.OldURL)
	return input, readErr
}

func parseURLBody(raw []byte, contentType string) urlInput {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return urlInput{}
	}
	if contentType == formContentType {
		values, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return urlInput{}
		}
		return urlInput{URL: values.Get("url"), OldURL: values.Get("oldUrl")}
	}

	var input urlInput
	if err := json.Unmarshal(trimmed, &input); err == nil && input.URL != "" {
		return input
	}
	var bare string
	if err := json.Unmarshal(trimmed, &bare); err == nil {
		return urlInput{URL: bare}
	}
	return urlInput{}
}

// parseSince accepts unix milliseconds, which get a minute of slack, or an
// RFC 3339 timestamp.
func parseSince(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(millis).Add(-sinceSlack).UTC(), true
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), true
	}
	return time.Time{}, false
}
