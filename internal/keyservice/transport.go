// Package keyservice keeps the local device's registration and prekey
// inventory synchronized with the remote key coordination service.
package keyservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Response is the outcome of one coordination-service call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Success reports whether the server accepted the request.
func (r *Response) Success() bool {
	return r.StatusCode == http.StatusOK || r.StatusCode == http.StatusNoContent
}

// ErrorCode extracts the server's error code from a failure body, if
// the body carries one.
func (r *Response) ErrorCode() string {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		return ""
	}
	return payload.Code
}

// Transport posts JSON payloads to coordination-service endpoints. The
// host application may supply its own implementation to route calls
// through an existing authenticated channel.
type Transport interface {
	Post(ctx context.Context, path string, payload any) (*Response, error)
}

// HTTPTransport is the default Transport over plain HTTPS. It retries
// on 429 honoring the Retry-After header, capping the wait.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewHTTPTransport(baseURL string, log *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

func (t *HTTPTransport) Post(ctx context.Context, path string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("keyservice: marshal request: %w", err)
	}

	const maxRetries = 3
	const maxWait = 10 * time.Minute
	requestID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("keyservice: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-Id", requestID)

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("keyservice: post %s: %w", path, err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("keyservice: read response: %w", err)
		}

		if resp.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			t.log.Debug("http request done",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
				zap.String("request_id", requestID))
			return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
		}

		wait := time.Duration(5<<attempt) * time.Second // 5s, 10s, 20s
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		wait = min(wait, maxWait)

		t.log.Info("rate limited, retrying",
			zap.String("path", path),
			zap.Duration("wait", wait),
			zap.Int("attempt", attempt+1))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
