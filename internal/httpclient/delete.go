package httpclient

import (
	"context"
	"net/http"
)

// DoDELETE sends a DELETE request with If-Match header for optimistic locking.
// A 404 counts as success.
func (c *httpClientWrapper) DoDELETE(ctx context.Context, urlStr string, etag string) error {
	c.logger.Debug("starting DELETE request",
		"url", urlStr,
		"etag", etag)

	req, err := c.newRequest(ctx, http.MethodDelete, urlStr, nil)
	if err != nil {
		return err
	}

	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
	default:
		c.logger.Debug("unexpected status code",
			"status_code", resp.StatusCode,
			"status", resp.Status)
		return statusError(req, resp)
	}

	c.logger.Debug("DELETE request complete", "status", resp.Status)
	return nil
}
