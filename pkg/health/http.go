package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPProbe checks instances with an HTTP GET against a health path
type HTTPProbe struct {
	// Path is the health endpoint path (e.g. "/health")
	Path string

	// ExpectedStatus is the status code that counts as healthy
	ExpectedStatus int

	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewHTTPProbe creates an HTTP health probe
func NewHTTPProbe(path string) *HTTPProbe {
	return &HTTPProbe{
		Path:           path,
		ExpectedStatus: http.StatusOK,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Check performs the HTTP health probe against host:port
func (p *HTTPProbe) Check(ctx context.Context, address string) Result {
	start := time.Now()

	url := fmt.Sprintf("http://%s%s", address, p.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == p.ExpectedStatus

	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d)", message, p.ExpectedStatus)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe type
func (p *HTTPProbe) Type() CheckType {
	return CheckTypeHTTP
}

// WithExpectedStatus sets the status code that counts as healthy
func (p *HTTPProbe) WithExpectedStatus(status int) *HTTPProbe {
	p.ExpectedStatus = status
	return p
}

// WithTimeout sets the HTTP client timeout
func (p *HTTPProbe) WithTimeout(timeout time.Duration) *HTTPProbe {
	p.Client.Timeout = timeout
	return p
}
