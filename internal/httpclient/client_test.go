package httpclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calmirror/internal/xml"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) HttpClientWrapper {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL + "/cal/")
	require.NoError(t, err)
	c, err := NewHttpClientWrapper(srv.Client(), *base, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return c
}

const multistatusBody = `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:">
<D:response>
<D:href>/cal/event1.ics</D:href>
<D:propstat>
<D:prop>
<C:calendar-data xmlns:C="urn:ietf:params:xml:ns:caldav">BEGIN:VCALENDAR...</C:calendar-data>
<D:getetag>"123"</D:getetag>
</D:prop>
<D:status>HTTP/1.1 200 OK</D:status>
</D:propstat>
</D:response>
<D:sync-token>tok-1</D:sync-token>
</D:multistatus>`

func TestDoREPORT(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantErr    bool
	}{
		{
			name: "successful request",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "REPORT", r.Method)
				assert.Equal(t, "application/xml; charset=utf-8", r.Header.Get("Content-Type"))
				assert.Equal(t, "1", r.Header.Get("Depth"))
				assert.Equal(t, "/cal/", r.URL.Path)
				body, _ := io.ReadAll(r.Body)
				assert.Contains(t, string(body), "sync-collection")

				w.WriteHeader(http.StatusMultiStatus)
				_, _ = w.Write([]byte(multistatusBody))
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantErr:    true,
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantStatus: http.StatusUnauthorized,
			wantErr:    true,
		},
		{
			name: "invalid response XML",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusMultiStatus)
				_, _ = w.Write([]byte(`invalid XML`))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			body, err := xml.SyncCollection("", xml.PropGetETag)
			require.NoError(t, err)

			ms, err := c.DoREPORT(context.Background(), "", 1, body)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantStatus, StatusCode(err))
				return
			}
			require.NoError(t, err)
			require.Len(t, ms.Responses, 1)
			assert.Equal(t, "/cal/event1.ics", ms.Responses[0].Href)
			assert.Equal(t, `"123"`, ms.Responses[0].ETag())
			assert.Equal(t, "BEGIN:VCALENDAR...", ms.Responses[0].CalendarData())
			assert.Equal(t, "tok-1", ms.SyncToken)
		})
	}
}

func TestDoPROPFIND(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PROPFIND", r.Method)
		assert.Equal(t, "0", r.Header.Get("Depth"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "getctag")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<D:multistatus xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
<D:response><D:href>/cal/</D:href><D:propstat><D:prop><CS:getctag>ctag-7</CS:getctag></D:prop>
<D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response></D:multistatus>`))
	})

	ms, err := c.DoPROPFIND(context.Background(), "", 0, xml.PropGetCTag)
	require.NoError(t, err)
	require.Len(t, ms.Responses, 1)
	v, ok := ms.Responses[0].Prop(xml.PropGetCTag)
	assert.True(t, ok)
	assert.Equal(t, "ctag-7", v)
}

func TestDoPUT(t *testing.T) {
	tests := []struct {
		name        string
		etag        string
		status      int
		wantIfMatch string
		wantINM     string
		wantErr     bool
	}{
		{name: "create", status: http.StatusCreated, wantINM: "*"},
		{name: "update", etag: `"1"`, status: http.StatusNoContent, wantIfMatch: `"1"`},
		{name: "precondition failed", etag: `"old"`, status: http.StatusPreconditionFailed, wantIfMatch: `"old"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPut, r.Method)
				assert.Equal(t, "/cal/a.ics", r.URL.Path)
				assert.Equal(t, tt.wantIfMatch, r.Header.Get("If-Match"))
				assert.Equal(t, tt.wantINM, r.Header.Get("If-None-Match"))
				assert.Equal(t, "text/calendar; charset=utf-8", r.Header.Get("Content-Type"))
				w.Header().Set("ETag", `"2"`)
				w.WriteHeader(tt.status)
			})

			etag, err := c.DoPUT(context.Background(), "a.ics", tt.etag, []byte("BEGIN:VCALENDAR"))
			if tt.wantErr {
				assert.Equal(t, tt.status, StatusCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, `"2"`, etag)
		})
	}
}

func TestDoDELETE(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusOK, http.StatusNotFound} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, `"5"`, r.Header.Get("If-Match"))
			w.WriteHeader(status)
		})
		assert.NoError(t, c.DoDELETE(context.Background(), "/cal/a.ics", `"5"`), status)
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	})
	err := c.DoDELETE(context.Background(), "/cal/a.ics", `"5"`)
	assert.Equal(t, http.StatusPreconditionFailed, StatusCode(err))
}

func TestContextCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.DoPUT(ctx, "a.ics", "", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBasicAuthTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewBasicAuthTransport("alice", "secret", nil, nil)}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, req.Header.Get("Authorization"), "caller request is not mutated")

	client = &http.Client{Transport: NewBasicAuthTransport("", "secret", nil, nil)}
	_, err = client.Get(srv.URL)
	assert.Error(t, err)
}

func TestNewHttpClientWrapperRequiresLogger(t *testing.T) {
	_, err := NewHttpClientWrapper(nil, url.URL{}, nil)
	assert.Error(t, err)
}
