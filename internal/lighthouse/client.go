// Package lighthouse runs audits through the PageSpeed Insights v5 API.
package lighthouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultEndpoint is the PageSpeed Insights v5 audit endpoint.
	DefaultEndpoint = "https://www.googleapis.com/pagespeedonline/v5/runPagespeed"
	// DefaultStrategy audits with mobile emulation.
	DefaultStrategy = "mobile"
	// DefaultTimeout bounds one audit round trip.
	DefaultTimeout  = 2 * time.Minute
	defaultLocale   = "en_US"
	captchaNotNeed  = "CAPTCHA_NOT_NEEDED"
	runtimeNoError  = "NO_ERROR"
	maxResponseSize = 64 << 20

	// CruxLoadingExperience is the URL-level field data key.
	CruxLoadingExperience = "loadingExperience"
	// CruxOriginLoadingExperience is the origin-level field data key.
	CruxOriginLoadingExperience = "originLoadingExperience"
)

// DefaultCategories lists every Lighthouse category requested by default.
var DefaultCategories = []string{"performance", "accessibility", "best-practices", "seo"}

var (
	errMissingURL   = errors.New("lighthouse: url is required")
	statusCodeMatch = regexp.MustCompile(`(?i)Status code: (\d{3})`)
)

// AuditError reports an audit that did not produce a usable result.
// StatusCode is the status the audited page returned when the API reported
// one, and zero otherwise.
type AuditError struct {
	Message        string
	StatusCode     int
	UpstreamStatus int
}

func (e *AuditError) Error() string {
	return e.Message
}

func newAuditError(message string, upstreamStatus int) *AuditError {
	auditErr := &AuditError{Message: message, UpstreamStatus: upstreamStatus}
	if match := statusCodeMatch.FindStringSubmatch(message); match != nil {
		if code, err := strconv.Atoi(match[1]); err == nil {
			auditErr.StatusCode = code
		}
	}
	return auditErr
}

// AuditResult is a successful audit.
type AuditResult struct {
	LighthouseResult json.RawMessage
	Categories       json.RawMessage
	Crux             map[string]json.RawMessage
}

// Auditor runs a Lighthouse audit for a URL.
type Auditor interface {
	Audit(ctx context.Context, url string) (AuditResult, error)
}

// ClientConfig describes a PageSpeed Insights client.
type ClientConfig struct {
	APIKey     string
	Endpoint   string
	Strategy   string
	Categories []string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client calls the PageSpeed Insights API.
type Client struct {
	apiKey     string
	endpoint   string
	strategy   string
	categories []string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient builds a Client, applying defaults for unset fields.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("lighthouse: invalid endpoint: %w", err)
	}
	strategy := strings.TrimSpace(cfg.Strategy)
	if strategy == "" {
		strategy = DefaultStrategy
	}
	categories := cfg.Categories
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		endpoint:   endpoint,
		strategy:   strategy,
		categories: append([]string(nil), categories...),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

type pagespeedResponse struct {
	CaptchaResult string `json:"captchaResult"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	LighthouseResult        json.RawMessage `json:"lighthouseResult"`
	LoadingExperience       json.RawMessage `json:"loadingExperience"`
	OriginLoadingExperience json.RawMessage `json:"originLoadingExperience"`
}

type lighthouseEnvelope struct {
	RuntimeError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"runtimeError"`
	Categories json.RawMessage `json:"categories"`
}

// Audit runs one audit of targetURL.
func (c *Client) Audit(ctx context.Context, targetURL string) (AuditResult, error) {
	targetURL = strings.TrimSpace(targetURL)
	if targetURL == "" {
		return AuditResult{}, errMissingURL
	}

	requestURL := c.requestURL(targetURL)
	auditCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(auditCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		return AuditResult{}, err
	}
	c.logger.Info("pagespeed request", zap.String("url", targetURL), zap.String("strategy", c.strategy))

	response, err := c.httpClient.Do(request)
	if err != nil {
		return AuditResult{}, fmt.Errorf("lighthouse: request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return AuditResult{}, fmt.Errorf("lighthouse: read response: %w", err)
	}

	var payload pagespeedResponse
	decodeErr := json.Unmarshal(body, &payload)
	ok := response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices

	if decodeErr == nil {
		if payload.CaptchaResult != "" && payload.CaptchaResult != captchaNotNeed {
			return AuditResult{}, newAuditError("Lighthouse API response: "+payload.CaptchaResult, response.StatusCode)
		}
		if payload.Error != nil {
			return AuditResult{}, newAuditError(payload.Error.Message, response.StatusCode)
		}
	}
	if !ok {
		return AuditResult{}, newAuditError(fmt.Sprintf("%d from Lighthouse API: %s", response.StatusCode, http.StatusText(response.StatusCode)), response.StatusCode)
	}
	if decodeErr != nil {
		return AuditResult{}, newAuditError("Lighthouse API response: "+decodeErr.Error(), response.StatusCode)
	}
	if !present(payload.LighthouseResult) {
		return AuditResult{}, newAuditError("Lighthouse API response: missing lighthouseResult.", response.StatusCode)
	}

	var envelope lighthouseEnvelope
	if err := json.Unmarshal(payload.LighthouseResult, &envelope); err != nil {
		return AuditResult{}, newAuditError("Lighthouse API response: "+err.Error(), response.StatusCode)
	}
	if envelope.RuntimeError != nil && envelope.RuntimeError.Code != runtimeNoError {
		return AuditResult{}, newAuditError(envelope.RuntimeError.Code+" "+envelope.RuntimeError.Message, response.StatusCode)
	}

	crux := make(map[string]json.RawMessage)
	if present(payload.LoadingExperience) {
		crux[CruxLoadingExperience] = payload.LoadingExperience
	}
	if present(payload.OriginLoadingExperience) {
		crux[CruxOriginLoadingExperience] = payload.OriginLoadingExperience
	}

	return AuditResult{
		LighthouseResult: payload.LighthouseResult,
		Categories:       envelope.Categories,
		Crux:             crux,
	}, nil
}

func (c *Client) requestURL(targetURL string) string {
	query := url.Values{}
	if c.apiKey != "" {
		query.Set("key", c.apiKey)
	}
	query.Set("locale", defaultLocale)
	query.Set("strategy", c.strategy)
	for _, category := range c.categories {
		query.Add("category", category)
	}
	query.Set("url", targetURL)

	separator := "?"
	if strings.Contains(c.endpoint, "?") {
		separator = "&"
	}
	return c.endpoint + separator + query.Encode()
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
