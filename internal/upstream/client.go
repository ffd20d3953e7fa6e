// Package upstream holds the HTTP clients for the external market-data
// APIs. Every call is routed through a shared throttle.Queue so the service
// never exceeds the providers' soft rate limits, and HTTP 429 responses are
// classified into the queue's rate-limit error so retries and escalation
// engage.
package upstream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/l0p7/marketgate/internal/throttle"
)

// maxResponseBytes caps upstream body reads; indicator payloads are small
// and anything larger signals a broken response.
const maxResponseBytes = 1 << 20

// httpDoer represents the minimal client contract so tests can substitute
// transports.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// classifyStatus turns a non-2xx status into an error, wrapping 429 into
// the throttle package's rate-limit sentinel.
func classifyStatus(host string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("upstream: %s returned 429: %w", host, throttle.ErrRateLimited)
	default:
		return fmt.Errorf("upstream: %s returned status %d", host, status)
	}
}

// decodeJSON reads a bounded response body into out.
func decodeJSON(resp *http.Response, out any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return fmt.Errorf("upstream: read body: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("upstream: close body: %w", closeErr)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("upstream: decode body: %w", err)
	}
	return nil
}
