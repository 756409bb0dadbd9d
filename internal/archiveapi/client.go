package archiveapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/tonimelisma/pkgsync/internal/archive"
)

const (
	userAgent = "pkgsync/0.1"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 64 * 1024

	defaultStatusRate  = 5 // polls per second
	defaultStatusBurst = 5
)

// Client talks to the archive service. It implements archive.Catalog,
// archive.Uploader and archive.StatusService.
type Client struct {
	base          *url.URL
	httpClient    *http.Client
	fs            afero.Fs
	logger        *slog.Logger
	statusLimiter *rate.Limiter
}

var (
	_ archive.Catalog       = (*Client)(nil)
	_ archive.Uploader      = (*Client)(nil)
	_ archive.StatusService = (*Client)(nil)
)

// Option customizes a Client.
type Option func(*Client)

// WithFs reads upload bodies from fsys instead of the OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(c *Client) { c.fs = fsys }
}

// WithStatusRate limits status polls to perSecond with the given burst.
// A non-positive rate disables limiting.
func WithStatusRate(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.statusLimiter = nil
			return
		}

		c.statusLimiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewClient creates an archive API client. baseURL is the service root,
// e.g. "https://archive.example.org/api/v1". httpClient carries auth; see
// HTTPClient.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("archiveapi: parsing base URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("archiveapi: base URL %q must be http or https", baseURL)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		base:          u,
		httpClient:    httpClient,
		fs:            afero.NewOsFs(),
		logger:        logger,
		statusLimiter: rate.NewLimiter(defaultStatusRate, defaultStatusBurst),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// endpoint joins the base URL with path segments and query parameters.
func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	return u.String()
}

// request describes one API call.
type request struct {
	method      string
	url         string
	body        io.Reader
	contentType string
	length      int64 // -1 when unknown
	headers     map[string]string
}

// do executes one request. Non-2xx responses become *APIError. The caller
// closes the body on success.
func (c *Client) do(ctx context.Context, r request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, r.body)
	if err != nil {
		return nil, fmt.Errorf("archiveapi: creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	if r.length >= 0 && r.body != nil {
		req.ContentLength = r.length
	}

	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("archiveapi: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("archiveapi: %s %s: %w", r.method, req.URL.Path, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", r.method),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", time.Since(start)),
		)

		return resp, nil
	}

	defer resp.Body.Close()

	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-Id"),
		Message:    errorMessage(errBody),
		Err:        classifyStatus(resp.StatusCode),
	}

	c.logger.Debug("request failed",
		slog.String("method", r.method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", apiErr.RequestID),
	)

	return nil, apiErr
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	resp, err := c.do(ctx, request{method: http.MethodGet, url: u, length: -1})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("archiveapi: decoding response: %w", err)
	}

	return nil
}

// sendJSON encodes in, sends it with method and decodes the response into out
// when out is non-nil.
func (c *Client) sendJSON(ctx context.Context, method, u string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("archiveapi: encoding request: %w", err)
	}

	resp, err := c.do(ctx, request{
		method:      method,
		url:         u,
		body:        bytes.NewReader(body),
		contentType: "application/json",
		length:      int64(len(body)),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("archiveapi: decoding response: %w", err)
	}

	return nil
}

// errorMessage extracts {"error": "..."} from an error body, falling back to
// the raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}

		if e.Message != "" {
			return e.Message
		}
	}

	return strings.TrimSpace(string(body))
}
