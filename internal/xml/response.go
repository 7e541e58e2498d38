package xml

import (
	"cmp"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Multistatus is a parsed 207 response body.
type Multistatus struct {
	Responses []Response
	SyncToken string
}

// Response is one member of a multistatus.
type Response struct {
	Href string
	// Status is the response level status. A sync-collection REPORT reports
	// removed members with 404 here and a truncated result set with 507.
	Status    int
	PropStats []PropStat
}

// PropStat groups properties that share a status.
type PropStat struct {
	Status int
	Props  map[Name]string
}

// Prop returns the value of name from a successful propstat.
func (r *Response) Prop(name Name) (string, bool) {
	for _, ps := range r.PropStats {
		if ps.Status != 0 && (ps.Status < 200 || ps.Status > 299) {
			continue
		}
		if v, ok := ps.Props[name]; ok {
			return v, true
		}
	}
	return "", false
}

// ETag returns the getetag property.
func (r *Response) ETag() string {
	v, _ := r.Prop(PropGetETag)
	return strings.TrimSpace(v)
}

// CalendarData returns the calendar-data property.
func (r *Response) CalendarData() string {
	v, _ := r.Prop(PropCalendarData)
	return v
}

// Removed reports whether the response is a sync-collection tombstone.
func (r *Response) Removed() bool {
	return r.Status == http.StatusNotFound
}

// Truncated reports whether any member signals a truncated result set.
func (m *Multistatus) Truncated() bool {
	for _, r := range m.Responses {
		if r.Status == http.StatusInsufficientStorage {
			return true
		}
	}
	return false
}

// ParseMultistatus reads a multistatus document.
func ParseMultistatus(r io.Reader) (*Multistatus, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("failed to parse multistatus: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	if !(Name{DAV, "multistatus"}).matches(root) {
		return nil, fmt.Errorf("invalid root tag: %s", root.Tag)
	}

	m := &Multistatus{}
	if tok := root.SelectElement("sync-token"); tok != nil {
		m.SyncToken = strings.TrimSpace(text(tok))
	}

	for _, respElem := range root.SelectElements("response") {
		resp := Response{}

		if hrefElem := respElem.SelectElement("href"); hrefElem != nil {
			resp.Href = unescapeHref(strings.TrimSpace(text(hrefElem)))
		}
		if statusElem := respElem.SelectElement("status"); statusElem != nil {
			resp.Status = parseStatus(text(statusElem))
		}

		for _, propstatElem := range respElem.SelectElements("propstat") {
			ps := PropStat{Props: make(map[Name]string)}
			if statusElem := propstatElem.SelectElement("status"); statusElem != nil {
				ps.Status = parseStatus(text(statusElem))
			}
			if propElem := propstatElem.SelectElement("prop"); propElem != nil {
				for _, p := range propElem.ChildElements() {
					ps.Props[Name{Space: p.NamespaceURI(), Local: p.Tag}] = text(p)
				}
			}
			resp.PropStats = append(resp.PropStats, ps)
		}

		m.Responses = append(m.Responses, resp)
	}

	return m, nil
}

// MultistatusBuilder writes a multistatus document.
type MultistatusBuilder struct {
	doc  *etree.Document
	root *etree.Element
}

// NewMultistatus starts an empty multistatus document.
func NewMultistatus() *MultistatusBuilder {
	doc, root := newDocument(Name{DAV, "multistatus"})
	return &MultistatusBuilder{doc: doc, root: root}
}

// AddProps appends a member with a 200 propstat holding props.
// Empty values are written as empty elements.
func (b *MultistatusBuilder) AddProps(href string, props map[Name]string) {
	resp := b.root.CreateElement("D:response")
	resp.CreateElement("D:href").SetText(href)
	ps := resp.CreateElement("D:propstat")
	prop := ps.CreateElement("D:prop")
	for _, name := range sortedNames(props) {
		el := prop.CreateElement(name.qualified())
		if v := props[name]; v != "" {
			el.SetText(v)
		}
	}
	ps.CreateElement("D:status").SetText(statusLine(http.StatusOK))
}

// AddStatus appends a member carrying only a response level status.
func (b *MultistatusBuilder) AddStatus(href string, status int) {
	resp := b.root.CreateElement("D:response")
	resp.CreateElement("D:href").SetText(href)
	resp.CreateElement("D:status").SetText(statusLine(status))
}

// SetSyncToken sets the trailing sync-token element.
func (b *MultistatusBuilder) SetSyncToken(token string) {
	b.root.CreateElement("D:sync-token").SetText(token)
}

// Bytes serializes the document.
func (b *MultistatusBuilder) Bytes() ([]byte, error) {
	return b.doc.WriteToBytes()
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

// parseStatus extracts the code from "HTTP/1.1 200 OK".
func parseStatus(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// text concatenates the character data of e, including CDATA sections.
func text(e *etree.Element) string {
	var sb strings.Builder
	for _, tok := range e.Child {
		if cd, ok := tok.(*etree.CharData); ok {
			sb.WriteString(cd.Data)
		}
	}
	return sb.String()
}

func unescapeHref(href string) string {
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		return u.Path
	}
	if p, err := url.PathUnescape(href); err == nil {
		return p
	}
	return href
}

func sortedNames(props map[Name]string) []Name {
	names := make([]Name, 0, len(props))
	for n := range props {
		names = append(names, n)
	}
	slices.SortFunc(names, func(a, b Name) int {
		if c := cmp.Compare(a.Space, b.Space); c != 0 {
			return c
		}
		return cmp.Compare(a.Local, b.Local)
	})
	return names
}
