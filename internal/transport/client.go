package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultUserAgent      = "velum-rights/1.0"

	// Status and license documents are small JSON payloads; anything
	// larger than this is a misbehaving server, not a document.
	maxDocumentBytes = 4 << 20
)

var errDocumentTooLarge = errors.New("transport: response document exceeds size limit")

// NetworkError marks a failure to reach the remote server at all:
// connection refused, DNS failure, timeout. Callers use it to separate
// connectivity problems, which leave local state untouched, from
// protocol-level rejections carried in a Response.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("transport: request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Response is the buffered outcome of a single request attempt. Non-2xx
// statuses are returned here rather than as errors so the protocol layer
// decides what each one means.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the server accepted the request.
func (r *Response) OK() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// Client performs single-attempt HTTP exchanges with the rights server.
// No retries happen at this layer; the synchronization protocol is
// designed so that repeating a failed call later is always safe.
type Client interface {
	Fetch(ctx context.Context, method, rawURL string) (*Response, error)
	Download(ctx context.Context, rawURL, destination string) error
}

// HTTPClientConfig bundles configuration required to instantiate an HTTPClient.
type HTTPClientConfig struct {
	HTTPClient *http.Client
	UserAgent  string
	Logger     *zap.Logger
}

// HTTPClient is the net/http-backed Client used outside of tests.
type HTTPClient struct {
	httpClient *http.Client
	userAgent  string
	logger     *zap.Logger
}

// NewHTTPClient constructs a client, defaulting the underlying
// http.Client to one with a bounded request timeout.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{httpClient: httpClient, userAgent: userAgent, logger: logger}
}

// Fetch performs one request and buffers the response body. Connectivity
// failures come back as a NetworkError; every HTTP status, success or
// not, comes back as a Response.
func (c *HTTPClient) Fetch(ctx context.Context, method, rawURL string) (*Response, error) {
	response, err := c.do(ctx, method, rawURL)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	if len(body) > maxDocumentBytes {
		return nil, fmt.Errorf("%w: %s", errDocumentTooLarge, rawURL)
	}

	c.logger.Debug("rights server exchange",
		zap.String("method", method),
		zap.String("url", rawURL),
		zap.Int("status", response.StatusCode),
	)

	return &Response{StatusCode: response.StatusCode, Body: body}, nil
}

// Download streams the resource at rawURL into destination, writing to a
// temporary sibling first so a failed transfer never leaves a truncated
// file behind.
func (c *HTTPClient) Download(ctx context.Context, rawURL, destination string) error {
	response, err := c.do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: download of %s returned status %d", rawURL, response.StatusCode)
	}

	if dir := filepath.Dir(destination); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("transport: create download directory: %w", err)
		}
	}

	temporary, err := os.CreateTemp(filepath.Dir(destination), filepath.Base(destination)+".partial-*")
	if err != nil {
		return fmt.Errorf("transport: create temporary file: %w", err)
	}
	temporaryPath := temporary.Name()

	written, err := io.Copy(temporary, response.Body)
	if closeErr := temporary.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(temporaryPath)
		return &NetworkError{URL: rawURL, Err: err}
	}

	if err := os.Rename(temporaryPath, destination); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("transport: finalize download: %w", err)
	}

	c.logger.Info("publication downloaded",
		zap.String("url", rawURL),
		zap.String("destination", destination),
		zap.Int64("bytes", written),
	)

	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request for %s: %w", rawURL, err)
	}
	request.Header.Set("User-Agent", c.userAgent)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	return response, nil
}
