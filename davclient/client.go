// Package davclient talks to one remote CalDAV calendar collection: it
// fetches change deltas and writes or removes calendar objects.
package davclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cyp0633/calmirror/internal/httpclient"
)

var (
	// ErrUnauthorized means the remote rejected the credentials.
	ErrUnauthorized = errors.New("remote rejected credentials")
	// ErrPreconditionFailed means the object changed remotely since the
	// revision tag sent with the request.
	ErrPreconditionFailed = errors.New("remote precondition failed")
	// ErrTransient covers network failures and 5xx/429 answers.
	ErrTransient = errors.New("transient remote failure")
	// ErrNotFound means the collection or object does not exist.
	ErrNotFound = errors.New("remote object not found")
)

// Strategy selects how deltas are obtained.
type Strategy string

const (
	// StrategySyncCollection uses the RFC 6578 sync-collection REPORT.
	StrategySyncCollection Strategy = "sync-collection"
	// StrategyListing compares the collection getctag and lists every
	// object with calendar-query when it changed.
	StrategyListing Strategy = "listing"
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategySyncCollection:
		return StrategySyncCollection, nil
	case StrategyListing:
		return StrategyListing, nil
	}
	return "", fmt.Errorf("unknown sync strategy %q", s)
}

// Item is one changed member of a remote collection.
type Item struct {
	Href    string
	ETag    string
	Data    []byte
	Removed bool
}

// Delta describes the remote changes since a cursor.
type Delta struct {
	Items []Item
	// Token is the cursor to present next time.
	Token string
	// Complete is set when Items lists every member of the collection,
	// so a local object missing from it no longer exists remotely.
	Complete bool
	// Truncated is set when the server returned a partial result.
	Truncated bool
}

// Object is a calendar object to write.
type Object struct {
	// Href is empty for an object that does not exist remotely yet.
	Href string
	UID  string
	// ETag is the revision being replaced, empty for new objects.
	ETag string
	Data []byte
}

// Collection is a remote calendar collection.
type Collection interface {
	// Delta returns the changes since cursor. An empty cursor requests the
	// full listing.
	Delta(ctx context.Context, cursor string) (*Delta, error)
	// PutObject creates or replaces an object and returns its href and the
	// new revision tag.
	PutObject(ctx context.Context, obj Object) (href, etag string, err error)
	// DeleteObject removes an object. Deleting a missing object succeeds.
	DeleteObject(ctx context.Context, href, etag string) error
}

type davClient struct {
	httpClient    httpclient.HttpClientWrapper
	collectionURL string
	collection    string // path of collectionURL with a trailing slash
	strategy      Strategy
	logger        *slog.Logger
}

// NewDAVClient creates a client for the collection at collectionURL.
func NewDAVClient(httpClient httpclient.HttpClientWrapper, collectionURL string, strategy Strategy, logger *slog.Logger) (Collection, error) {
	u, err := url.Parse(collectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse collection URL: %w", err)
	}
	if strategy == "" {
		strategy = StrategySyncCollection
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &davClient{
		httpClient:    httpClient,
		collectionURL: collectionURL,
		collection:    withSlash(u.Path),
		strategy:      strategy,
		logger:        logger.With("collection", collectionURL),
	}, nil
}

// Config describes how to reach a remote collection.
type Config struct {
	URL      string
	Username string
	Password string
	Strategy Strategy
	Timeout  time.Duration
	// Transport overrides http.DefaultTransport, used by tests.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Dial builds a Collection with Basic authentication.
func Dial(cfg Config) (Collection, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse collection URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("collection URL %q must be absolute", cfg.URL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	transport := cfg.Transport
	if cfg.Username != "" {
		transport = httpclient.NewBasicAuthTransport(cfg.Username, cfg.Password, transport, logger)
	}
	client := &http.Client{Transport: transport, Timeout: cfg.Timeout}

	wrapper, err := httpclient.NewHttpClientWrapper(client, *base, logger)
	if err != nil {
		return nil, err
	}
	return NewDAVClient(wrapper, cfg.URL, cfg.Strategy, logger)
}

// classify maps transport failures onto the package sentinels. Context
// errors pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch code := httpclient.StatusCode(err); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %w", op, ErrUnauthorized, err)
	case code == http.StatusPreconditionFailed:
		return fmt.Errorf("%s: %w: %w", op, ErrPreconditionFailed, err)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case code == 0, code >= 500, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func withSlash(p string) string {
	if !strings.HasSuffix(p, "/") {
		return p + "/"
	}
	return p
}
