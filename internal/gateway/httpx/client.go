package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vendazap/vendazap/internal/gateway/domain"
)

const (
	maxAttempts = 3
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 4 * time.Second
	callTimeout = 10 * time.Second
)

// Client wraps outbound gateway HTTP with retry and backoff. Network
// errors and 5xx responses are retried; 4xx are returned to the caller.
type Client struct {
	http *http.Client
}

func New() *Client {
	return &Client{
		http: &http.Client{Timeout: callTimeout},
	}
}

// Response is the raw result of a gateway call.
type Response struct {
	StatusCode int
	Body       []byte
}

// PostJSON sends a JSON body with the given headers.
func (c *Client) PostJSON(ctx context.Context, endpoint string, headers map[string]string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, endpoint, headers, "application/json", func() io.Reader {
		return bytes.NewReader(body)
	})
}

// PostForm sends a form-encoded body with the given headers.
func (c *Client) PostForm(ctx context.Context, endpoint string, headers map[string]string, form url.Values) (*Response, error) {
	encoded := form.Encode()
	return c.do(ctx, http.MethodPost, endpoint, headers, "application/x-www-form-urlencoded", func() io.Reader {
		return strings.NewReader(encoded)
	})
}

// Get sends a GET request with the given headers.
func (c *Client) Get(ctx context.Context, endpoint string, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodGet, endpoint, headers, "", nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, contentType string, body func() io.Reader) (*Response, error) {
	var lastErr error
	backoff := baseBackoff

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		var reader io.Reader
		if body != nil {
			reader = body()
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("gateway returned %d", resp.StatusCode)
			continue
		}
		return &Response{StatusCode: resp.StatusCode, Body: data}, nil
	}

	return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, lastErr)
}
