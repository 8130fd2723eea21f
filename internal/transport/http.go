package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const sendTimeout = 15 * time.Second

// HTTPTransport posts items to the sync server's /v1/events endpoint. The
// server dedupes on the Idempotency-Key header and answers with one of the
// four outcomes in the status code.
type HTTPTransport struct {
	base   string
	apiKey string
	client *http.Client
}

// NewHTTP returns a transport for the server at base.
func NewHTTP(base, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		base:   base,
		apiKey: apiKey,
		client: &http.Client{Timeout: sendTimeout},
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, it Item) (Outcome, error) {
	body, err := json.Marshal(it)
	if err != nil {
		return Permanent, fmt.Errorf("marshal item: %w", err)
	}
	u, err := url.JoinPath(t.base, "v1/events")
	if err != nil {
		return Permanent, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Permanent, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", it.IdempotencyKey)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// Network-level failures are retried: offline is the normal case here.
		return Transient, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		return Delivered, nil
	case resp.StatusCode == http.StatusOK:
		// 200 is the server's duplicate-no-op answer.
		return Duplicate, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Transient, fmt.Errorf("server %s", resp.Status)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Permanent, fmt.Errorf("server rejected item: %s: %s", resp.Status, string(b))
	}
}
