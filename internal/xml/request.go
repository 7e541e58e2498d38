package xml

import (
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"
)

// ReportKind identifies a REPORT body.
type ReportKind int

const (
	ReportUnknown ReportKind = iota
	ReportSyncCollection
	ReportCalendarQuery
	ReportCalendarMultiget
)

func newDocument(root Name) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	el := doc.CreateElement(root.qualified())
	addNamespaces(doc)
	return doc, el
}

func addProps(parent *etree.Element, props []Name) {
	prop := parent.CreateElement("D:prop")
	for _, p := range props {
		prop.CreateElement(p.qualified())
	}
}

// SyncCollection builds an RFC 6578 sync-collection REPORT body. An empty
// token asks for the initial full listing.
func SyncCollection(token string, props ...Name) ([]byte, error) {
	doc, root := newDocument(Name{DAV, "sync-collection"})
	root.CreateElement("D:sync-token").SetText(token)
	root.CreateElement("D:sync-level").SetText("1")
	addProps(root, props)
	return doc.WriteToBytes()
}

// CalendarQuery builds a calendar-query REPORT body matching every
// component of the given type (VEVENT when empty).
func CalendarQuery(component string, props ...Name) ([]byte, error) {
	if component == "" {
		component = "VEVENT"
	}
	doc, root := newDocument(Name{CalDAV, "calendar-query"})
	addProps(root, props)
	cal := root.CreateElement("C:filter").CreateElement("C:comp-filter")
	cal.CreateAttr("name", "VCALENDAR")
	cal.CreateElement("C:comp-filter").CreateAttr("name", component)
	return doc.WriteToBytes()
}

// CalendarMultiget builds a calendar-multiget REPORT body for hrefs.
func CalendarMultiget(hrefs []string, props ...Name) ([]byte, error) {
	doc, root := newDocument(Name{CalDAV, "calendar-multiget"})
	addProps(root, props)
	for _, h := range hrefs {
		root.CreateElement("D:href").SetText(h)
	}
	return doc.WriteToBytes()
}

// Propfind builds a PROPFIND body requesting props.
func Propfind(props ...Name) ([]byte, error) {
	doc, root := newDocument(Name{DAV, "propfind"})
	addProps(root, props)
	return doc.WriteToBytes()
}

// Report is a parsed REPORT request body.
type Report struct {
	Kind      ReportKind
	SyncToken string
	Props     []Name
	Component string
	Hrefs     []string
}

// ParseReport reads a REPORT body.
func ParseReport(r io.Reader) (*Report, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("failed to parse report body: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty report body")
	}

	rep := &Report{}
	switch {
	case (Name{DAV, "sync-collection"}).matches(root):
		rep.Kind = ReportSyncCollection
		if tok := root.SelectElement("sync-token"); tok != nil {
			rep.SyncToken = text(tok)
		}
	case (Name{CalDAV, "calendar-query"}).matches(root):
		rep.Kind = ReportCalendarQuery
		if outer := root.FindElement("./filter/comp-filter"); outer != nil {
			if inner := outer.SelectElement("comp-filter"); inner != nil {
				rep.Component = inner.SelectAttrValue("name", "")
			}
		}
	case (Name{CalDAV, "calendar-multiget"}).matches(root):
		rep.Kind = ReportCalendarMultiget
		for _, h := range root.SelectElements("href") {
			rep.Hrefs = append(rep.Hrefs, unescapeHref(strings.TrimSpace(text(h))))
		}
	default:
		return nil, fmt.Errorf("unsupported report %q", root.Tag)
	}

	if prop := root.SelectElement("prop"); prop != nil {
		for _, p := range prop.ChildElements() {
			rep.Props = append(rep.Props, Name{Space: p.NamespaceURI(), Local: p.Tag})
		}
	}
	return rep, nil
}
