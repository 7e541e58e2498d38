// Package davtest runs an in-process CalDAV collection for tests. It speaks
// just enough of RFC 4791 and RFC 6578 for the sync client: sync-collection,
// calendar-query and calendar-multiget REPORTs, getctag PROPFIND, and
// conditional PUT and DELETE.
package davtest

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cyp0633/calmirror/codec"
	"github.com/cyp0633/calmirror/internal/xml"
)

const tokenPrefix = "http://calmirror.test/sync/"

type object struct {
	etag string
	data []byte
}

type change struct {
	rev  int
	href string
}

// Server is a fake remote calendar collection.
type Server struct {
	mu      sync.Mutex
	path    string
	objects map[string]object
	changes []change
	rev     int

	// failures holds statuses returned by the next requests, in order.
	failures []int
	hook     func(r *http.Request)
	requests map[string]int

	username    string
	password    string
	noCTag      bool
	omitData    bool
	omitPutETag bool
	pageSize    int

	srv    *httptest.Server
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithBasicAuth requires the given credentials.
func WithBasicAuth(username, password string) Option {
	return func(s *Server) { s.username, s.password = username, password }
}

// WithoutCTag hides getctag from PROPFIND answers.
func WithoutCTag() Option {
	return func(s *Server) { s.noCTag = true }
}

// WithoutSyncData makes sync-collection answers leave out calendar-data.
func WithoutSyncData() Option {
	return func(s *Server) { s.omitData = true }
}

// WithoutPutETag leaves the ETag header off PUT answers.
func WithoutPutETag() Option {
	return func(s *Server) { s.omitPutETag = true }
}

// WithPageSize truncates sync-collection answers after n members.
func WithPageSize(n int) Option {
	return func(s *Server) { s.pageSize = n }
}

// WithLogger traces requests.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer starts a server hosting one collection at /dav/calendars/<name>/.
func NewServer(name string, opts ...Option) *Server {
	s := &Server{
		path:     "/dav/calendars/" + name + "/",
		objects:  make(map[string]object),
		requests: make(map[string]int),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(s)
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// URL is the absolute collection URL.
func (s *Server) URL() string { return s.srv.URL + s.path }

// Path is the collection path.
func (s *Server) Path() string { return s.path }

// Client returns an HTTP client for the server.
func (s *Server) Client() *http.Client { return s.srv.Client() }

// Token returns the current sync token.
func (s *Server) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tokenPrefix + strconv.Itoa(s.rev)
}

// Put stores data under name as a server-side change and returns the href
// and etag.
func (s *Server) Put(name string, data []byte) (href, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	href = s.path + name
	return href, s.write(href, data)
}

// Remove deletes href as a server-side change.
func (s *Server) Remove(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(href)
}

// Object returns the stored data and etag of href.
func (s *Server) Object(href string) (data []byte, etag string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[href]
	return obj.data, obj.etag, ok
}

// Hrefs lists stored hrefs in order.
func (s *Server) Hrefs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for h := range s.objects {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// FailNext makes the next requests answer with the given statuses.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// OnRequest installs a hook run before each request is served, without the
// lock held.
func (s *Server) OnRequest(fn func(r *http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Requests reports how many requests of method were served.
func (s *Server) Requests(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

func (s *Server) write(href string, data []byte) string {
	s.rev++
	etag := fmt.Sprintf(`"%d"`, s.rev)
	s.objects[href] = object{etag: etag, data: append([]byte(nil), data...)}
	s.changes = append(s.changes, change{rev: s.rev, href: href})
	return etag
}

func (s *Server) remove(href string) {
	if _, ok := s.objects[href]; !ok {
		return
	}
	s.rev++
	delete(s.objects, href)
	s.changes = append(s.changes, change{rev: s.rev, href: href})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hook := s.hook
	s.requests[r.Method]++
	var fail int
	if len(s.failures) > 0 {
		fail, s.failures = s.failures[0], s.failures[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		hook(r)
	}
	if fail != 0 {
		s.logger.Debug("injected failure", "method", r.Method, "status", fail)
		http.Error(w, http.StatusText(fail), fail)
		return
	}
	if s.username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.username || pass != s.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="davtest"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if !strings.HasPrefix(r.URL.Path, s.path) && r.URL.Path+"/" != s.path {
		http.NotFound(w, r)
		return
	}

	s.logger.Debug("request received", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case "PROPFIND":
		s.handlePropfind(w, r)
	case "REPORT":
		s.handleReport(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodPut:
		s.handlePut(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) isCollection(p string) bool {
	return p == s.path || p+"/" == s.path
}

func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := xml.NewMultistatus()
	if s.isCollection(r.URL.Path) {
		props := map[xml.Name]string{
			xml.PropSyncToken:    tokenPrefix + strconv.Itoa(s.rev),
			xml.PropResourceType: "",
		}
		if !s.noCTag {
			props[xml.PropGetCTag] = strconv.Itoa(s.rev)
		}
		b.AddProps(s.path, props)
	} else {
		obj, ok := s.objects[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		b.AddProps(r.URL.Path, map[xml.Name]string{xml.PropGetETag: obj.etag})
	}
	writeMultistatus(w, b)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := xml.ParseReport(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := xml.NewMultistatus()
	switch rep.Kind {
	case xml.ReportSyncCollection:
		if !s.syncCollection(b, rep.SyncToken) {
			http.Error(w, "valid-sync-token", http.StatusForbidden)
			return
		}
	case xml.ReportCalendarQuery:
		for _, href := range s.sortedHrefs() {
			s.addObject(b, href, true)
		}
	case xml.ReportCalendarMultiget:
		for _, href := range rep.Hrefs {
			if _, ok := s.objects[href]; ok {
				s.addObject(b, href, true)
			} else {
				b.AddStatus(href, http.StatusNotFound)
			}
		}
	}
	writeMultistatus(w, b)
}

// syncCollection must be called with the lock held. It reports false for a
// token this server never issued. Members are reported in the order of their
// first change after the token, so a truncated page can hand out the
// revision of its last change as the next token.
func (s *Server) syncCollection(b *xml.MultistatusBuilder, token string) bool {
	since := 0
	if token != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(token, tokenPrefix))
		if err != nil || !strings.HasPrefix(token, tokenPrefix) || n > s.rev {
			return false
		}
		since = n
	}

	var (
		hrefs    []string
		seen     = make(map[string]bool)
		tokenRev = s.rev
	)
	for _, c := range s.changes {
		if c.rev <= since || seen[c.href] {
			continue
		}
		if _, exists := s.objects[c.href]; !exists && since == 0 {
			continue
		}
		if s.pageSize > 0 && len(hrefs) == s.pageSize {
			tokenRev = c.rev - 1
			b.AddStatus(s.path, http.StatusInsufficientStorage)
			break
		}
		seen[c.href] = true
		hrefs = append(hrefs, c.href)
	}

	for _, href := range hrefs {
		if _, ok := s.objects[href]; ok {
			s.addObject(b, href, !s.omitData)
		} else {
			b.AddStatus(href, http.StatusNotFound)
		}
	}
	b.SetSyncToken(tokenPrefix + strconv.Itoa(tokenRev))
	return true
}

func (s *Server) addObject(b *xml.MultistatusBuilder, href string, withData bool) {
	obj := s.objects[href]
	props := map[xml.Name]string{xml.PropGetETag: obj.etag}
	if withData {
		props[xml.PropCalendarData] = string(obj.data)
	}
	b.AddProps(href, props)
}

func (s *Server) sortedHrefs() []string {
	out := make([]string, 0, len(s.objects))
	for h := range s.objects {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	obj, ok := s.objects[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("ETag", obj.etag)
	_, _ = w.Write(obj.data)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "text/calendar") {
		http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	if _, err := codec.ExtractUID(data); err != nil {
		http.Error(w, "Invalid iCalendar data", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	href := r.URL.Path
	existing, exists := s.objects[href]
	ifMatch := r.Header.Get("If-Match")
	ifNone := r.Header.Get("If-None-Match")
	switch {
	case exists && ifMatch != "" && ifMatch != existing.etag,
		exists && ifNone == "*",
		!exists && ifMatch != "":
		s.logger.Debug("precondition failed", "href", href, "if_match", ifMatch, "etag", existing.etag)
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}

	etag := s.write(href, data)
	if !s.omitPutETag {
		w.Header().Set("ETag", etag)
	}
	if exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Location", href)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" && ifMatch != obj.etag {
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}
	s.remove(r.URL.Path)
	w.WriteHeader(http.StatusNoContent)
}

func writeMultistatus(w http.ResponseWriter, b *xml.MultistatusBuilder) {
	body, err := b.Bytes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write(body)
}

// Event renders a minimal calendar object for uid.
func Event(uid, summary string, seq int) []byte {
	return []byte("BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//davtest//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"DTSTAMP:20260301T080000Z\r\n" +
		"DTSTART:20260310T090000Z\r\n" +
		"DTEND:20260310T100000Z\r\n" +
		"SEQUENCE:" + strconv.Itoa(seq) + "\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n")
}
