package xml

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCollectionRequest(t *testing.T) {
	body, err := SyncCollection("http://example.com/sync/12", PropGetETag, PropCalendarData)
	require.NoError(t, err)

	want := `<D:sync-collection xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:CS="http://calendarserver.org/ns/">
<D:sync-token>http://example.com/sync/12</D:sync-token>
<D:sync-level>1</D:sync-level>
<D:prop><D:getetag/><C:calendar-data/></D:prop>
</D:sync-collection>`
	assert.Equal(t, normalizeXML(want), normalizeXML(string(body)))
}

func TestParseReport(t *testing.T) {
	tests := []struct {
		name      string
		body      func() ([]byte, error)
		kind      ReportKind
		token     string
		component string
	}{
		{
			name: "sync-collection with token",
			body: func() ([]byte, error) { return SyncCollection("tok-3", PropGetETag) },
			kind: ReportSyncCollection, token: "tok-3",
		},
		{
			name: "initial sync-collection",
			body: func() ([]byte, error) { return SyncCollection("", PropGetETag) },
			kind: ReportSyncCollection,
		},
		{
			name: "calendar-query",
			body: func() ([]byte, error) { return CalendarQuery("", PropGetETag, PropCalendarData) },
			kind: ReportCalendarQuery, component: "VEVENT",
		},
		{
			name: "calendar-multiget",
			body: func() ([]byte, error) { return CalendarMultiget([]string{"/cal/a.ics"}, PropGetETag) },
			kind: ReportCalendarMultiget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := tt.body()
			require.NoError(t, err)
			rep, err := ParseReport(bytes.NewReader(body))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, rep.Kind)
			assert.Equal(t, tt.token, rep.SyncToken)
			assert.Equal(t, tt.component, rep.Component)
			assert.Contains(t, rep.Props, PropGetETag)
		})
	}

	_, err := ParseReport(strings.NewReader(`<D:propfind xmlns:D="DAV:"/>`))
	assert.Error(t, err)
}

func TestParseMultigetHrefs(t *testing.T) {
	body, err := CalendarMultiget([]string{"/cal/a.ics", "/cal/b%20c.ics"}, PropGetETag)
	require.NoError(t, err)
	rep, err := ParseReport(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"/cal/a.ics", "/cal/b c.ics"}, rep.Hrefs)
}

func TestParseMultistatus(t *testing.T) {
	body := `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/cal/work/a%20b.ics</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"e1"</d:getetag>
        <cal:calendar-data><![CDATA[BEGIN:VCALENDAR
END:VCALENDAR
]]></cal:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>https://dav.example.com/cal/work/gone.ics</d:href>
    <d:status>HTTP/1.1 404 Not Found</d:status>
  </d:response>
  <d:sync-token>tok-9</d:sync-token>
</d:multistatus>`

	m, err := ParseMultistatus(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, m.Responses, 2)
	assert.Equal(t, "tok-9", m.SyncToken)
	assert.False(t, m.Truncated())

	first := m.Responses[0]
	assert.Equal(t, "/cal/work/a b.ics", first.Href)
	assert.Equal(t, `"e1"`, first.ETag())
	assert.Equal(t, "BEGIN:VCALENDAR\nEND:VCALENDAR\n", first.CalendarData())
	assert.False(t, first.Removed())

	second := m.Responses[1]
	assert.Equal(t, "/cal/work/gone.ics", second.Href)
	assert.True(t, second.Removed())
}

func TestParseMultistatusRejectsOtherRoots(t *testing.T) {
	_, err := ParseMultistatus(strings.NewReader(`<D:error xmlns:D="DAV:"/>`))
	assert.Error(t, err)
	_, err = ParseMultistatus(strings.NewReader(``))
	assert.Error(t, err)
}

func TestMultistatusBuilderRoundTrip(t *testing.T) {
	b := NewMultistatus()
	b.AddProps("/cal/a.ics", map[Name]string{PropGetETag: `"1"`, PropCalendarData: "BEGIN:VCALENDAR"})
	b.AddStatus("/cal/b.ics", http.StatusNotFound)
	b.AddStatus("/cal/", http.StatusInsufficientStorage)
	b.SetSyncToken("tok-1")
	body, err := b.Bytes()
	require.NoError(t, err)

	m, err := ParseMultistatus(bytes.NewReader(body))
	require.NoError(t, err)
	require.Len(t, m.Responses, 3)
	assert.Equal(t, `"1"`, m.Responses[0].ETag())
	assert.Equal(t, "BEGIN:VCALENDAR", m.Responses[0].CalendarData())
	assert.True(t, m.Responses[1].Removed())
	assert.True(t, m.Truncated())
	assert.Equal(t, "tok-1", m.SyncToken)
}

func TestPropfindRequest(t *testing.T) {
	body, err := Propfind(PropGetCTag, PropSyncToken)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<CS:getctag/>")
	assert.Contains(t, string(body), "<D:sync-token/>")
}
