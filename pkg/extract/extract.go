// Package extract turns directory pages into links and course records.
//
// Extractors are pure: they never fail on malformed markup. Missing
// structure yields empty results, or AddressNotFound for an address.
package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/Sternrassler/course-crawler/pkg/model"
)

// AddressNotFound is the address of a course block without an address element.
const AddressNotFound = "Address not found"

// Extractor is the page format contract used by discovery and the batch pool.
type Extractor interface {
	// GroupLinks returns the top level groupings (destinations) of the root page.
	GroupLinks(page []byte, baseURL string) []model.Link

	// ChildLinks returns the items (cities) linked from a grouping page.
	ChildLinks(page []byte, baseURL string) []model.Link

	// Records returns the records (courses) of a leaf page.
	Records(page []byte) []model.Record
}

// Selectors configures where a page format keeps its data.
type Selectors struct {
	GroupLinkContainer string
	ChildLinkContainer string
	CourseBlock        string
	CourseName         string
	Address            []string

	// SkipChildURL drops child links whose absolute URL contains any of these.
	SkipChildURL []string
}

// DefaultSelectors matches the GolfNow course directory markup.
func DefaultSelectors() Selectors {
	return Selectors{
		GroupLinkContainer: ".us-destination-wrapper.white.rounded",
		ChildLinkContainer: ".city-cube.rounded.white",
		CourseBlock:        ".columns.medium-6.large-8.course-details.course-info-wrapper.right-border",
		CourseName:         "h1, h2, h3, h4",
		Address:            []string{`address[itemprop="address"]`, "address"},
		SkipChildURL:       []string{"/search"},
	}
}

// GolfNow extracts with goquery using a Selectors set.
type GolfNow struct {
	sel Selectors
}

// NewGolfNow returns an extractor for the GolfNow directory.
func NewGolfNow() *GolfNow {
	return &GolfNow{sel: DefaultSelectors()}
}

// NewWithSelectors returns an extractor for a page format with the same
// structure but different markup.
func NewWithSelectors(sel Selectors) *GolfNow {
	return &GolfNow{sel: sel}
}

// GroupLinks implements Extractor.
func (g *GolfNow) GroupLinks(page []byte, baseURL string) []model.Link {
	return g.links(page, baseURL, g.sel.GroupLinkContainer, nil)
}

// ChildLinks implements Extractor.
func (g *GolfNow) ChildLinks(page []byte, baseURL string) []model.Link {
	return g.links(page, baseURL, g.sel.ChildLinkContainer, g.sel.SkipChildURL)
}

func (g *GolfNow) links(page []byte, baseURL, container string, skip []string) []model.Link {
	doc, ok := parse(page)
	if !ok {
		return nil
	}
	base, _ := url.Parse(baseURL)

	var links []model.Link
	doc.Find(container).Each(func(_ int, wrapper *goquery.Selection) {
		wrapper.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			label := strings.TrimSpace(a.Text())
			href, _ := a.Attr("href")
			href = strings.TrimSpace(href)
			if label == "" || href == "" {
				return
			}

			full := resolve(base, href)
			for _, pattern := range skip {
				if strings.Contains(full, pattern) {
					return
				}
			}
			links = append(links, model.Link{Label: label, URL: full})
		})
	})
	return links
}

// Records implements Extractor. Blocks without a usable name are skipped.
func (g *GolfNow) Records(page []byte) []model.Record {
	doc, ok := parse(page)
	if !ok {
		return nil
	}

	var records []model.Record
	doc.Find(g.sel.CourseBlock).Each(func(_ int, block *goquery.Selection) {
		name := courseName(block, g.sel.CourseName)
		if name == "" {
			return
		}
		records = append(records, model.Record{
			CourseName: name,
			Address:    g.address(block),
		})
	})
	return records
}

func courseName(block *goquery.Selection, headings string) string {
	// Filter keeps document order across the heading levels.
	if h := block.Find("*").Filter(headings).First(); h.Length() > 0 {
		return strings.TrimSpace(h.Text())
	}
	if a := block.Find("a").First(); a.Length() > 0 {
		return strings.TrimSpace(a.Text())
	}
	return ""
}

func (g *GolfNow) address(block *goquery.Selection) string {
	for _, selector := range g.sel.Address {
		found := block.Find(selector).First()
		if found.Length() == 0 {
			continue
		}
		raw, err := goquery.OuterHtml(found)
		if err != nil {
			continue
		}
		if cleaned := CleanAddress(raw); cleaned != "" {
			return cleaned
		}
	}
	return AddressNotFound
}

var (
	lineBreak     = regexp.MustCompile(`(?i)<br\s*/?>`)
	repeatedComma = regexp.MustCompile(`,(\s*,)+`)
	commaSpacing  = regexp.MustCompile(`\s*,\s*`)
)

// CleanAddress flattens address markup to one line: line breaks become
// commas, runs of commas collapse to one, and every comma is followed by
// exactly one space.
func CleanAddress(markup string) string {
	withCommas := lineBreak.ReplaceAllString(markup, ", ")

	text := withCommas
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(withCommas)); err == nil {
		text = doc.Text()
	}

	text = strings.Join(strings.Fields(text), " ")
	text = repeatedComma.ReplaceAllString(text, ",")
	text = commaSpacing.ReplaceAllString(text, ", ")
	return strings.Trim(text, ", ")
}

func parse(page []byte) (*goquery.Document, bool) {
	if len(bytes.TrimSpace(page)) == 0 {
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, false
	}
	return doc, true
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
