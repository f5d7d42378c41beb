// Package webhook sends job completion callbacks over HTTP.
package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

const userAgent = "voxq/1.0"

// HTTPTransport posts a completion event to a callback URL. It makes exactly
// one request per call; retries belong to the caller.
type HTTPTransport struct {
	client *http.Client
}

var _ core.WebhookTransport = (*HTTPTransport)(nil)

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout: timeout,
			// A 3xx is reported to the caller instead of being followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (t *HTTPTransport) Deliver(ctx context.Context, d *core.Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", core.EventJobCompleted)
	req.Header.Set("X-Job-ID", d.JobID.String())
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(d.Attempts+1))

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
