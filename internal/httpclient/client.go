// Package httpclient sends the WebDAV requests a remote calendar collection
// needs: PROPFIND, REPORT, PUT and DELETE.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/cyp0633/calmirror/internal/xml"
)

// HttpClientWrapper wraps http.Client with CalDAV-specific functionality
type HttpClientWrapper interface {
	DoPROPFIND(ctx context.Context, url string, depth int, props ...xml.Name) (*xml.Multistatus, error)
	DoREPORT(ctx context.Context, url string, depth int, body []byte) (*xml.Multistatus, error)
	// DoPUT writes data. A non-empty etag becomes If-Match, an empty one
	// If-None-Match: * so an existing object is never overwritten blindly.
	DoPUT(ctx context.Context, url string, etag string, data []byte) (newEtag string, err error)
	DoDELETE(ctx context.Context, url string, etag string) error
}

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

type httpClientWrapper struct {
	client  *http.Client
	baseURL url.URL
	logger  *slog.Logger
}

// resolveURL resolves a URL string against the base URL
func (c *httpClientWrapper) resolveURL(urlStr string) (*url.URL, error) {
	ref, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %q: %w", urlStr, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

// NewHttpClientWrapper creates a new client wrapper with logging. A nil
// client means http.DefaultClient.
func NewHttpClientWrapper(client *http.Client, baseURL url.URL, logger *slog.Logger) (HttpClientWrapper, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &httpClientWrapper{client: client, baseURL: baseURL, logger: logger}, nil
}

func (c *httpClientWrapper) newRequest(ctx context.Context, method, urlStr string, body []byte) (*http.Request, error) {
	resolvedURL, err := c.resolveURL(urlStr)
	if err != nil {
		c.logger.Debug("failed to resolve URL", "url", urlStr, "error", err)
		return nil, err
	}
	c.logger.Debug("resolved URL", "url", resolvedURL.String())

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, resolvedURL.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	return req, nil
}

func (c *httpClientWrapper) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", req.Method, "error", err)
		return nil, fmt.Errorf("failed to execute %s request: %w", req.Method, err)
	}
	c.logger.Debug("received response", "method", req.Method, "status", resp.Status)
	return resp, nil
}

func statusError(req *http.Request, resp *http.Response) error {
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return &StatusError{Method: req.Method, URL: req.URL.String(), Code: resp.StatusCode}
}
