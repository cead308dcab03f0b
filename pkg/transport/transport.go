// Package transport is the boundary where the engine touches the
// network. It performs authenticated GET requests with a bounded
// timeout and retries transient failures with exponential backoff;
// everything above it reasons about typed results, never *http.Request.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// maxBodyBytes caps how much of a provider response is read.
	maxBodyBytes = 8 << 20

	defaultTimeout  = 12 * time.Second
	defaultMaxTries = 3
)

// Request describes one outbound GET.
type Request struct {
	BaseURL string
	Path    string
	Params  map[string]string
	Headers map[string]string
	Timeout time.Duration
}

// Response is the raw provider answer. A non-2xx status is not an
// error at this layer; classification belongs to the fetch path.
type Response struct {
	StatusCode int
	Body       []byte
}

// Doer is the capability the fetch orchestrator depends on. Tests
// substitute fakes; production uses HTTPTransport.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// HTTPTransport implements Doer over net/http with retry/backoff for
// transient failures (network errors and 5xx responses). Retries of
// the same source belong here, not in the engine.
type HTTPTransport struct {
	client   *http.Client
	maxTries uint
	logger   *slog.Logger
}

// Option configures the transport.
type Option func(*HTTPTransport)

// WithClient overrides the underlying HTTP client.
func WithClient(c *http.Client) Option {
	return func(t *HTTPTransport) { t.client = c }
}

// WithMaxTries overrides the attempt budget per request.
func WithMaxTries(n uint) Option {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.maxTries = n
		}
	}
}

// New builds an HTTPTransport with pooled connections.
func New(opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		maxTries: defaultMaxTries,
		logger:   slog.Default().With("component", "transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do executes the request. The context carries request-scoped
// cancellation; Timeout bounds the whole attempt sequence.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := buildURL(req)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := 0
	operation := func() (*Response, error) {
		attempt++
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		httpReq.Header.Set("Accept", "application/json")
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		httpResp, err := t.client.Do(httpReq)
		if err != nil {
			// Network-level failure: retry unless the context is done.
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			t.logger.Debug("request failed, will retry",
				"url", target, "attempt", attempt, "error", err)
			return nil, err
		}
		defer func() { _ = httpResp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("read response body: %w", err))
		}

		resp := &Response{StatusCode: httpResp.StatusCode, Body: body}
		if httpResp.StatusCode >= 500 {
			t.logger.Debug("server error, will retry",
				"url", target, "status", httpResp.StatusCode, "attempt", attempt)
			return nil, &retryableStatusError{resp: resp}
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(t.maxTries),
	)
	if err != nil {
		// A 5xx that survived every retry is still a response.
		var rse *retryableStatusError
		if errors.As(err, &rse) {
			return rse.resp, nil
		}
		return nil, err
	}
	return resp, nil
}

type retryableStatusError struct {
	resp *Response
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("server returned %d", e.resp.StatusCode)
}

func buildURL(req Request) (string, error) {
	u, err := url.Parse(strings.TrimRight(req.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid base url %q", req.BaseURL)
	}
	if req.Path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(req.Path, "/")
	}
	q := u.Query()
	for k, v := range req.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
