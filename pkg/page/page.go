// Package page implements the per-URL unit of crawl work: a lazily fetched page
// and the pipeline that admits, fetches, retains and expands it.
package page

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"

	"krauler/pkg/fetch"
	"krauler/pkg/log"
	"krauler/pkg/parse"
	"krauler/pkg/utils"
)

const (
	chunkSize       = 1024
	defaultMimeType = "text/html"
)

// Page is one URL to fetch. Fetch results are computed on first access and cached;
// a Page is used for a single Process call and then dropped.
type Page struct {
	URL  string   // As requested, before redirects
	Path []string // Normalized URLs of the pages that led here; empty for a seed

	fetcher  fetch.HTTPFetcher
	maxBytes int64
	log      *logrus.Entry

	response  cell[*http.Response]
	content   cell[[]byte]
	doc       cell[*goquery.Document]
	mimeType  cell[string]
	closeOnce sync.Once
}

// Option configures a Page
type Option func(*Page)

// WithMaxBytes makes Content fail once the body exceeds n bytes. n <= 0 means unlimited.
func WithMaxBytes(n int64) Option {
	return func(p *Page) { p.maxBytes = n }
}

// WithLogger sets the entry used for this page's log lines
func WithLogger(entry *logrus.Entry) Option {
	return func(p *Page) { p.log = entry }
}

// New creates a Page for rawURL reached through path. path is copied.
func New(fetcher fetch.HTTPFetcher, rawURL string, path []string, opts ...Option) *Page {
	p := &Page{
		URL:     rawURL,
		Path:    append([]string(nil), path...),
		fetcher: fetcher,
		log:     log.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Response performs the GET exactly once. The body is left unread.
func (p *Page) Response(ctx context.Context) (*http.Response, error) {
	return p.response.get(func() (*http.Response, error) {
		return p.fetcher.Get(ctx, p.URL)
	})
}

// Content drains the body into memory in fixed-size chunks.
// The body is closed when draining ends, whether it succeeded or not.
func (p *Page) Content(ctx context.Context) ([]byte, error) {
	return p.content.get(func() ([]byte, error) {
		resp, err := p.Response(ctx)
		if err != nil {
			return nil, err
		}
		defer p.closeBody()

		var buf bytes.Buffer
		chunk := make([]byte, chunkSize)
		for {
			n, rerr := resp.Body.Read(chunk)
			buf.Write(chunk[:n])
			if p.maxBytes > 0 && int64(buf.Len()) > p.maxBytes {
				return nil, fmt.Errorf("%w: body of '%s' exceeds %d bytes", utils.ErrResponseBodyRead, p.URL, p.maxBytes)
			}
			if rerr == io.EOF {
				return buf.Bytes(), nil
			}
			if rerr != nil {
				return nil, fmt.Errorf("%w: '%s': %w", utils.ErrResponseBodyRead, p.URL, rerr)
			}
		}
	})
}

// Doc parses Content as HTML, decoding to UTF-8 according to the Content-Type charset
// or the document's meta tags. Callers check IsHTML first.
func (p *Page) Doc(ctx context.Context) (*goquery.Document, error) {
	return p.doc.get(func() (*goquery.Document, error) {
		body, err := p.Content(ctx)
		if err != nil {
			return nil, err
		}
		resp, _ := p.response.peek()

		reader, err := charset.NewReader(bytes.NewReader(body), resp.Header.Get("Content-Type"))
		if err != nil {
			p.log.Debugf("Charset detection failed, parsing bytes as-is: %v", err)
			reader = bytes.NewReader(body)
		}
		doc, err := goquery.NewDocumentFromReader(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: HTML of '%s': %w", utils.ErrParsing, p.URL, err)
		}
		return doc, nil
	})
}

// NormalizedURL is the page identity: the normalized final URL once a response exists,
// the normalized request URL before that, and "" when neither normalizes.
func (p *Page) NormalizedURL() string {
	if resp, ok := p.response.peek(); ok && resp != nil && resp.Request != nil && resp.Request.URL != nil {
		if n, ok := parse.Normalize(resp.Request.URL.String()); ok {
			return n
		}
	}
	n, _ := parse.Normalize(p.URL)
	return n
}

// ID is the key used by the seen set and frontier
func (p *Page) ID() string {
	return p.NormalizedURL()
}

// MimeType returns the lowercased media type of the Content-Type header, without parameters.
// A missing header means text/html.
func (p *Page) MimeType(ctx context.Context) (string, error) {
	return p.mimeType.get(func() (string, error) {
		resp, err := p.Response(ctx)
		if err != nil {
			return "", err
		}
		return MediaType(resp.Header.Get("Content-Type")), nil
	})
}

// IsHTML reports whether the MIME type contains "html". The match is case-sensitive
// against the already lowercased MIME type, so text/html and application/xhtml+xml both qualify.
func (p *Page) IsHTML(ctx context.Context) bool {
	mt, err := p.MimeType(ctx)
	return err == nil && strings.Contains(mt, "html")
}

// NextPath is the path handed to every child of this page
func (p *Page) NextPath() []string {
	next := make([]string, len(p.Path), len(p.Path)+1)
	copy(next, p.Path)
	return append(next, p.NormalizedURL())
}

// TerminatePath reports whether links from this page are beyond the depth limit.
// A negative depth disables the limit.
func (p *Page) TerminatePath(depth int) bool {
	return depth >= 0 && len(p.Path) >= depth
}

// Close releases the response body if one was opened and not yet drained.
func (p *Page) Close() {
	p.closeBody()
}

func (p *Page) closeBody() {
	resp, ok := p.response.peek()
	if !ok || resp == nil || resp.Body == nil {
		return
	}
	p.closeOnce.Do(func() {
		if err := resp.Body.Close(); err != nil {
			p.log.Debugf("Error closing response body: %v", err)
		}
	})
}

// MediaType extracts the media type from a Content-Type header value.
func MediaType(header string) string {
	if strings.TrimSpace(header) == "" {
		return defaultMimeType
	}
	mt, _, err := mime.ParseMediaType(header)
	if mt == "" || (err != nil && err != mime.ErrInvalidMediaParameter) {
		mt, _, _ = strings.Cut(header, ";")
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "" {
		return defaultMimeType
	}
	return mt
}
