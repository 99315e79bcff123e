package page

import (
	"context"
	"fmt"
	"sort"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"krauler/pkg/parse"
	"krauler/pkg/utils"
)

// State is the crawl-wide capability a Page needs while processing.
// It is passed into every call instead of being stored on the Page.
type State interface {
	// ShouldCrawl is the admission check for a normalized URL
	ShouldCrawl(url string) bool
	// MarkSeen records a normalized URL in the seen set
	MarkSeen(url string)
	// ShouldRetain decides whether a fetched page is handed to Emit
	ShouldRetain(ctx context.Context, p *Page) bool
	// Emit hands a retained page to the sink
	Emit(ctx context.Context, p *Page)
	// Crawl schedules a discovered URL with the path that reached it
	Crawl(url string, path []string)
	// Depth is the link expansion limit; negative means unlimited
	Depth() int
}

// Status is the outcome of Process
type Status string

const (
	StatusSkipped Status = "skipped" // Not admitted; nothing was fetched
	StatusFailed  Status = "failed"  // Transport error or final status > 300
	StatusFetched Status = "fetched" // Fetched; retention and link extraction ran
)

// Result reports what Process did. Failures are reported here, never returned as errors.
type Result struct {
	URL        string // Identity checked for admission (pre-fetch)
	FinalURL   string // Identity after redirects; equals URL when nothing changed
	Status     Status
	StatusCode int
	Retained   bool
	Links      int   // Distinct links handed to State.Crawl
	Err        error // Why the page failed or why extraction stopped early
}

// linkSources are the element/attribute pairs scanned for outbound links
var linkSources = []struct{ selector, attr string }{
	{"a[href]", "href"},
	{"img[src]", "src"},
	{"link[href]", "href"},
	{"iframe[src]", "src"},
}

// Process runs the page pipeline:
// admission, mark seen, fetch, failure check, mark seen again under the post-redirect identity,
// retention, link extraction.
func (p *Page) Process(ctx context.Context, state State) Result {
	defer p.Close()

	id := p.NormalizedURL()
	res := Result{URL: id, FinalURL: id, Status: StatusSkipped}
	taskLog := p.log.WithField("url", p.URL)

	if id == "" {
		res.Err = fmt.Errorf("%w: '%s'", utils.ErrInvalidURL, p.URL)
		taskLog.Debug("Skipping URL that does not normalize")
		return res
	}
	if !state.ShouldCrawl(id) {
		taskLog.Debug("Not admitted, skipping")
		return res
	}

	state.MarkSeen(id)

	resp, err := p.Response(ctx)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		taskLog.WithField("error_type", utils.CategorizeError(err)).Warnf("Fetch failed: %v", err)
		return res
	}

	res.StatusCode = resp.StatusCode
	if resp.StatusCode > 300 {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%w: status %d for '%s'", utils.ErrHTTPStatus, resp.StatusCode, p.URL)
		taskLog.WithField("status_code", resp.StatusCode).Warn("Fetch failed with unacceptable status")
		return res
	}

	// The response may have come from a different URL after redirects
	res.FinalURL = p.NormalizedURL()
	state.MarkSeen(res.FinalURL)
	res.Status = StatusFetched
	if res.FinalURL != id {
		taskLog = taskLog.WithField("final_url", res.FinalURL)
	}

	if state.ShouldRetain(ctx, p) {
		p.Retain(ctx, state)
		res.Retained = true
	}

	res.Links, res.Err = p.parse(ctx, state, taskLog)
	taskLog.WithFields(logrus.Fields{
		"status_code": res.StatusCode,
		"retained":    res.Retained,
		"links":       res.Links,
	}).Debug("Processed")
	return res
}

// Retain hands the page to the sink unchanged
func (p *Page) Retain(ctx context.Context, state State) {
	state.Emit(ctx, p)
}

// Parse schedules every distinct link found on the page and returns how many were scheduled.
// Non-HTML pages and pages at the depth limit schedule nothing.
func (p *Page) Parse(ctx context.Context, state State) int {
	n, _ := p.parse(ctx, state, p.log.WithField("url", p.URL))
	return n
}

func (p *Page) parse(ctx context.Context, state State, taskLog *logrus.Entry) (int, error) {
	if !p.IsHTML(ctx) || p.TerminatePath(state.Depth()) {
		return 0, nil
	}

	doc, err := p.Doc(ctx)
	if err != nil {
		taskLog.WithField("error_type", utils.CategorizeError(err)).Warnf("Cannot extract links: %v", err)
		return 0, err
	}

	links := ExtractLinks(doc, p.NormalizedURL())
	for _, link := range links {
		state.Crawl(link, p.NextPath())
	}
	return len(links), nil
}

// ExtractLinks resolves every link attribute in doc against base, normalizes it and
// returns the distinct results in sorted order. Values that do not resolve to a crawlable URL are dropped.
func ExtractLinks(doc *goquery.Document, base string) []string {
	if doc == nil || base == "" {
		return nil
	}
	found := make(map[string]struct{})
	for _, src := range linkSources {
		doc.Find(src.selector).Each(func(_ int, s *goquery.Selection) {
			val, ok := s.Attr(src.attr)
			if !ok {
				return
			}
			if u, ok := parse.Resolve(base, val); ok {
				found[u] = struct{}{}
			}
		})
	}

	links := make([]string, 0, len(found))
	for u := range found {
		links = append(links, u)
	}
	sort.Strings(links)
	return links
}
