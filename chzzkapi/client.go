// Package chzzkapi contains minimal helpers for the CHZZK open API: the
// authorization-code token exchange, client session creation, and the chat
// event subscription for a live session.
package chzzkapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultBaseURL is the production open API host.
const DefaultBaseURL = "https://openapi.chzzk.naver.com"

// Client calls the platform with application credentials.
type Client struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// APIError is returned for any non-2xx platform response. Body holds the raw response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chzzk %s failed: %d %s: %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// envelope is the common response wrapper: {"code":200,"message":null,"content":{...}}.
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Content T      `json:"content"`
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) url(path string) string {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

// do sends req with hc and decodes the envelope content into out (out may be nil).
func do[T any](hc *http.Client, req *http.Request, op string, out *T) error {
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("chzzk %s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("chzzk %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	var env envelope[T]
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("chzzk %s: decode: %w", op, err)
	}
	*out = env.Content
	return nil
}

func withContext(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
