package liveness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultProbeTimeout bounds a single liveness probe.
	DefaultProbeTimeout = 30 * time.Second
	defaultMaxRedirects = 10
	defaultUserAgent    = "lighthouse-keeper-liveness/1.0"
	drainLimitBytes     = 64 << 10
)

// ProbeResult is the outcome of one liveness probe. A timed out or cancelled
// probe counts as alive.
type ProbeResult struct {
	Alive      bool
	StatusCode int
	TimedOut   bool
	Err        error
}

// Prober checks whether a URL still resolves.
type Prober interface {
	Probe(ctx context.Context, url string) ProbeResult
}

// HTTPProberConfig describes an HTTPProber.
type HTTPProberConfig struct {
	Client       *http.Client
	Timeout      time.Duration
	MaxRedirects int
	UserAgent    string
}

// HTTPProber probes URLs with a GET request, following redirects.
type HTTPProber struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// NewHTTPProber builds an HTTPProber, applying defaults for unset fields.
func NewHTTPProber(cfg HTTPProberConfig) *HTTPProber {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	probeClient := *client
	probeClient.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return &HTTPProber{client: &probeClient, timeout: timeout, userAgent: userAgent}
}

// Probe issues a GET for url. 2xx, 3xx and 405 responses are alive, as are
// timeouts and cancellations; any other status or transport failure is dead.
func (p *HTTPProber) Probe(ctx context.Context, url string) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{Alive: false, Err: err}
	}
	request.Header.Set("User-Agent", p.userAgent)

	response, err := p.client.Do(request)
	if err != nil {
		if isTimeout(err) {
			return ProbeResult{Alive: true, TimedOut: true, Err: err}
		}
		return ProbeResult{Alive: false, Err: err}
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, drainLimitBytes))

	status := response.StatusCode
	alive := (status >= http.StatusOK && status < http.StatusBadRequest) || status == http.StatusMethodNotAllowed
	return ProbeResult{Alive: alive, StatusCode: status}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
