package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cyp0633/calmirror/internal/xml"
)

// DoREPORT executes a CalDAV REPORT request
func (c *httpClientWrapper) DoREPORT(ctx context.Context, urlStr string, depth int, body []byte) (*xml.Multistatus, error) {
	c.logger.Debug("starting REPORT request",
		"url", urlStr,
		"depth", depth,
		"body_length", len(body))

	return c.multistatus(ctx, "REPORT", urlStr, depth, body)
}

// DoPROPFIND executes a PROPFIND request for the given properties
func (c *httpClientWrapper) DoPROPFIND(ctx context.Context, urlStr string, depth int, props ...xml.Name) (*xml.Multistatus, error) {
	c.logger.Debug("starting PROPFIND request",
		"url", urlStr,
		"depth", depth,
		"props", len(props))

	body, err := xml.Propfind(props...)
	if err != nil {
		return nil, fmt.Errorf("failed to build PROPFIND body: %w", err)
	}
	return c.multistatus(ctx, "PROPFIND", urlStr, depth, body)
}

func (c *httpClientWrapper) multistatus(ctx context.Context, method, urlStr string, depth int, body []byte) (*xml.Multistatus, error) {
	req, err := c.newRequest(ctx, method, urlStr, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", strconv.Itoa(depth))

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, statusError(req, resp)
	}

	ms, err := xml.ParseMultistatus(resp.Body)
	if err != nil {
		c.logger.Debug("failed to decode response", "error", err)
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug(method+" request complete",
		"response_count", len(ms.Responses),
		"sync_token", ms.SyncToken)
	return ms, nil
}
