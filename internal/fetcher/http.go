package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"txwatch/internal/version"
)

const maxResponseBytes = 4 << 20

// StatusError is returned when a provider answers with a non-200 status.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s api error (%d)", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.StatusCode, e.Message)
}

// httpSource is the shared HTTP plumbing of every provider: timeout, optional
// request rate limit and JSON decoding.
type httpSource struct {
	name      string
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func newHTTPSource(name string, timeout time.Duration, requestsPerSecond float64, userAgent string) httpSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = version.UserAgent()
	}
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return httpSource{
		name:      name,
		client:    &http.Client{Timeout: timeout},
		limiter:   limiter,
		userAgent: userAgent,
	}
}

func (h httpSource) getJSON(ctx context.Context, endpoint string, header http.Header, out any) error {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s rate limit wait: %w", h.name, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", h.name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", h.name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", h.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(h.name, resp.StatusCode, payload)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", h.name, err)
	}
	return nil
}

type errorResponse struct {
	Description string `json:"description"`
	Message     string `json:"message"`
	Msg         string `json:"msg"`
	Error       string `json:"error"`
}

func parseHTTPError(provider string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Description, apiErr.Message, apiErr.Msg, apiErr.Error} {
			if msg != "" {
				return &StatusError{Provider: provider, StatusCode: status, Message: msg}
			}
		}
	}
	return &StatusError{Provider: provider, StatusCode: status, Message: strings.TrimSpace(string(payload))}
}
