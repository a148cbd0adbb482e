// Package testutil provides a mock course directory site for tests.
package testutil

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse defines one response of a mock page.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockSite is a configurable directory site backed by httptest.
// Unknown paths answer 404.
type MockSite struct {
	server    *httptest.Server
	mu        sync.Mutex
	handlers  map[string]http.HandlerFunc
	sequences map[string][]MockResponse
	counts    map[string]int

	requestCount      int
	conditionalCount  int
	lastRequestHeader http.Header
}

// NewMockSite starts a mock site.
func NewMockSite() *MockSite {
	m := &MockSite{
		handlers:  make(map[string]http.HandlerFunc),
		sequences: make(map[string][]MockResponse),
		counts:    make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		m.mu.Lock()
		m.requestCount++
		m.counts[path]++
		n := m.counts[path]
		m.lastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			m.conditionalCount++
		}
		handler, hasHandler := m.handlers[path]
		seq, hasSeq := m.sequences[path]
		m.mu.Unlock()

		switch {
		case hasHandler:
			handler(w, r)
		case hasSeq:
			// The last response repeats once the sequence is used up.
			idx := n - 1
			if idx >= len(seq) {
				idx = len(seq) - 1
			}
			writeResponse(w, seq[idx])
		default:
			http.NotFound(w, r)
		}
	}))

	return m
}

// URL returns the base URL of the site.
func (m *MockSite) URL() string {
	return m.server.URL
}

// PageURL returns the absolute URL of path.
func (m *MockSite) PageURL(path string) string {
	return m.server.URL + path
}

// Close shuts down the site.
func (m *MockSite) Close() {
	m.server.Close()
}

// Reset clears all request counters.
func (m *MockSite) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.conditionalCount = 0
	m.lastRequestHeader = nil
	m.counts = make(map[string]int)
}

// SetHandler installs a custom handler for path.
func (m *MockSite) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse makes path always answer resp.
func (m *MockSite) SetResponse(path string, resp MockResponse) {
	m.SetSequence(path, resp)
}

// SetSequence makes path answer the responses in order, repeating the last.
func (m *MockSite) SetSequence(path string, responses ...MockResponse) {
	if len(responses) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, path)
	m.sequences[path] = responses
}

// SetPage serves body with status 200 on path.
func (m *MockSite) SetPage(path, body string) {
	m.SetResponse(path, NewPageResponse(body))
}

// RequestCount returns the total number of requests.
func (m *MockSite) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// PathCount returns the number of requests for path.
func (m *MockSite) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// PathCounts returns a copy of the per-path request counts.
func (m *MockSite) PathCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// ConditionalCount returns the number of conditional requests.
func (m *MockSite) ConditionalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conditionalCount
}

// LastRequestHeader returns the headers of the latest request.
func (m *MockSite) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequestHeader.Clone()
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// NewPageResponse creates a 200 HTML response.
func NewPageResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "text/html; charset=utf-8"},
	}
}

// NewRateLimitResponse creates a 429 response with the given Retry-After seconds.
func NewRateLimitResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       "Too Many Requests",
		Headers:    map[string]string{"Retry-After": fmt.Sprint(retryAfterSeconds)},
	}
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "Internal Server Error",
	}
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       "Not Found",
	}
}

// NewConditionalHandler serves data with etag and answers 304 to matching
// If-None-Match requests.
func NewConditionalHandler(etag, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(data))
	}
}

// Course is one course block on a city page.
type Course struct {
	Name string
	// Address is raw HTML, so "<br>" separators are kept.
	Address string
}

// CityPageHTML renders a city page with the given course blocks.
func CityPageHTML(courses ...Course) string {
	var b strings.Builder
	b.WriteString("<html><body><div class=\"row\">\n")
	for _, c := range courses {
		b.WriteString(`<div class="columns medium-6 large-8 course-details course-info-wrapper right-border">`)
		fmt.Fprintf(&b, `<h3><a href="/course/%d">%s</a></h3>`, len(c.Name), html.EscapeString(c.Name))
		if c.Address != "" {
			fmt.Fprintf(&b, `<address itemprop="address">%s</address>`, c.Address)
		}
		b.WriteString("</div>\n")
	}
	b.WriteString("</div></body></html>")
	return b.String()
}

// DirectoryPageHTML renders the top level page with destination links.
func DirectoryPageHTML(links map[string]string) string {
	return linkPage("us-destination-wrapper white rounded", links)
}

// DestinationPageHTML renders a destination page with city links.
func DestinationPageHTML(links map[string]string) string {
	return linkPage("city-cube rounded white", links)
}

func linkPage(class string, links map[string]string) string {
	var b strings.Builder
	b.WriteString("<html><body>\n")
	for label, href := range links {
		fmt.Fprintf(&b, `<div class="%s"><a href="%s">%s</a></div>`+"\n", class, html.EscapeString(href), html.EscapeString(label))
	}
	b.WriteString("</body></html>")
	return b.String()
}
