package httpclient

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// BasicAuthTransport adds Basic credentials to every request and traces the
// exchange at debug level.
type BasicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// NewBasicAuthTransport creates a BasicAuthTransport. A nil transport means
// http.DefaultTransport.
func NewBasicAuthTransport(username, password string, transport http.RoundTripper, logger *slog.Logger) *BasicAuthTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BasicAuthTransport{
		Username:  username,
		Password:  password,
		Transport: transport,
		Logger:    logger,
	}
}

// RoundTrip implements http.RoundTripper. The request is cloned before the
// Authorization header is set.
func (t *BasicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Username == "" {
		return nil, errors.New("basic auth username cannot be empty")
	}
	if t.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	authed := req.Clone(req.Context())
	authed.SetBasicAuth(t.Username, t.Password)

	start := time.Now()
	resp, err := t.Transport.RoundTrip(authed)
	if err != nil {
		t.Logger.Debug("outgoing request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"error", err)
		return nil, err
	}

	t.Logger.Debug("outgoing request",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration", time.Since(start))
	return resp, nil
}
