package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Probe checks the readiness endpoint of an HTTP server.
type Probe struct {
	URL    string
	Client *http.Client
}

// NewProbe probes baseURL+path with a short per-request timeout.
func NewProbe(baseURL, path string) *Probe {
	return &Probe{URL: baseURL + path, Client: &http.Client{Timeout: 5 * time.Second}}
}

// TestCurl reports whether the endpoint answers 200. Connection failures are
// "not ready" rather than errors; only a malformed request is an error.
func (p *Probe) TestCurl(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, fmt.Errorf("probe: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}
