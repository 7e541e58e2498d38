// Package xml builds and parses the WebDAV and CalDAV XML bodies used for
// collection synchronization.
package xml

import "github.com/beevik/etree"

// Namespace definitions for CalDAV and WebDAV
const (
	// DAV is the WebDAV namespace
	DAV = "DAV:"
	// CalDAV is the CalDAV namespace
	CalDAV = "urn:ietf:params:xml:ns:caldav"
	// CalendarServer carries getctag
	CalendarServer = "http://calendarserver.org/ns/"
)

var prefixes = map[string]string{
	DAV:            "D",
	CalDAV:         "C",
	CalendarServer: "CS",
}

// Name is a namespaced XML element name.
type Name struct {
	Space string
	Local string
}

// Properties used by the sync client.
var (
	PropGetETag      = Name{DAV, "getetag"}
	PropSyncToken    = Name{DAV, "sync-token"}
	PropResourceType = Name{DAV, "resourcetype"}
	PropDisplayName  = Name{DAV, "displayname"}
	PropCalendarData = Name{CalDAV, "calendar-data"}
	PropGetCTag      = Name{CalendarServer, "getctag"}
)

func (n Name) qualified() string {
	return prefixes[n.Space] + ":" + n.Local
}

// addNamespaces declares the standard prefixes on the document root.
func addNamespaces(doc *etree.Document) {
	root := doc.Root()
	if root == nil {
		return
	}
	root.CreateAttr("xmlns:D", DAV)
	root.CreateAttr("xmlns:C", CalDAV)
	root.CreateAttr("xmlns:CS", CalendarServer)
}

// matches reports whether e is the element n, resolving prefixes through
// the document's namespace declarations.
func (n Name) matches(e *etree.Element) bool {
	if e == nil || e.Tag != n.Local {
		return false
	}
	ns := e.NamespaceURI()
	return ns == "" || ns == n.Space
}
