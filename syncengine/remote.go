package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cyp0633/calmirror/davclient"
	"github.com/cyp0633/calmirror/store"
)

// RemoteFactory returns the remote client of a collection.
type RemoteFactory interface {
	Remote(ctx context.Context, col *store.Collection) (davclient.Collection, error)
}

// RemoteFactoryFunc adapts a function to RemoteFactory.
type RemoteFactoryFunc func(ctx context.Context, col *store.Collection) (davclient.Collection, error)

func (f RemoteFactoryFunc) Remote(ctx context.Context, col *store.Collection) (davclient.Collection, error) {
	return f(ctx, col)
}

// Credential is what a remote calendar needs besides its URL.
type Credential struct {
	Username string
	Password string
	Strategy davclient.Strategy
}

// Credentials looks up the credential of a calendar.
type Credentials interface {
	Credential(ctx context.Context, calendarID string) (Credential, error)
}

// StaticCredentials serves credentials from a map keyed by calendar id.
// Calendars without an entry connect anonymously.
type StaticCredentials map[string]Credential

func (s StaticCredentials) Credential(_ context.Context, calendarID string) (Credential, error) {
	return s[calendarID], nil
}

// DialFactory builds davclient collections from stored collections and a
// credential source. Clients are cached per calendar until the URL or the
// credential changes.
type DialFactory struct {
	Credentials Credentials
	// RequestTimeout bounds each HTTP request. Zero means no bound.
	RequestTimeout time.Duration
	Transport      http.RoundTripper
	Logger         *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedRemote
}

type cachedRemote struct {
	url    string
	cred   Credential
	remote davclient.Collection
}

func (f *DialFactory) Remote(ctx context.Context, col *store.Collection) (davclient.Collection, error) {
	remoteURL, ok := col.RemoteURL.Get()
	if !ok {
		return nil, fmt.Errorf("calendar %s has no remote", col.ID)
	}

	var cred Credential
	if f.Credentials != nil {
		c, err := f.Credentials.Credential(ctx, col.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up credentials: %w", err)
		}
		cred = c
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[col.ID]; ok && cached.url == remoteURL && cached.cred == cred {
		return cached.remote, nil
	}

	remote, err := davclient.Dial(davclient.Config{
		URL:       remoteURL,
		Username:  cred.Username,
		Password:  cred.Password,
		Strategy:  cred.Strategy,
		Timeout:   f.RequestTimeout,
		Transport: f.Transport,
		Logger:    f.Logger,
	})
	if err != nil {
		return nil, err
	}
	if f.cache == nil {
		f.cache = make(map[string]cachedRemote)
	}
	f.cache[col.ID] = cachedRemote{url: remoteURL, cred: cred, remote: remote}
	return remote, nil
}
