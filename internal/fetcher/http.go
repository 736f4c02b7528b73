// Package fetcher retrieves artifact bytes over HTTP.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/edgarvault/harvester/internal/harvest"
)

// Config controls the HTTP client used for artifact fetches.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes bounds how much of a response body is read. Zero
	// means the default of 256 MiB.
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 256 << 20

// Client fetches artifacts with a shared, keep-alive HTTP transport.
type Client struct {
	http         *http.Client
	userAgent    string
	maxBodyBytes int64
}

// New builds a Client with a production transport.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", cfg.Timeout)
	}
	return NewWithClient(cfg, &http.Client{
		Timeout:   cfg.Timeout,
		Transport: newHTTPTransport(),
	})
}

// NewWithClient wires an existing HTTP client. Test seam.
func NewWithClient(cfg Config, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Client{
		http:         client,
		userAgent:    cfg.UserAgent,
		maxBodyBytes: maxBody,
	}, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Fetch downloads the URL and returns the full body. A non-2xx status
// is returned as a *harvest.FetchError with the body drained and
// discarded.
func (c *Client) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	if req.URL == "" {
		return harvest.FetchResponse{}, fmt.Errorf("fetch URL is required")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("build request for %s: %w", req.URL, err)
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return harvest.FetchResponse{}, &harvest.FetchError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return harvest.FetchResponse{}, &harvest.FetchError{
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return harvest.FetchResponse{}, &harvest.FetchError{URL: req.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > c.maxBodyBytes {
		// Oversize is a property of the content, not the network:
		// retrying cannot shrink it.
		return harvest.FetchResponse{}, &harvest.ValidationError{
			Reason: fmt.Sprintf("%s: body exceeds %d bytes", req.URL, c.maxBodyBytes),
		}
	}

	return harvest.FetchResponse{
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}
