// Package web provides the tools that read web pages: crawl_tool renders a
// page as Markdown and browser navigates between pages by following links.
// Both fetch pages over HTTP and extract content with goquery.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/crewflow/crewflow/features/tools/retry"
	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
)

type (
	// Options configures the web tools.
	Options struct {
		// HTTPClient overrides the HTTP client.
		HTTPClient *http.Client
		// UserAgent is sent with every request. Defaults to DefaultUserAgent.
		UserAgent string
		// MaxContent caps the rendered content in bytes. Defaults to
		// DefaultMaxContent.
		MaxContent int
		// Retry configures retries of transient failures. Defaults to
		// retry.DefaultConfig.
		Retry *retry.Config
	}

	fetcher struct {
		http       *http.Client
		userAgent  string
		maxContent int
		retry      retry.Config
	}

	// page is a fetched and parsed HTML document.
	page struct {
		url *url.URL
		doc *goquery.Document
	}
)

const (
	// DefaultUserAgent identifies the tools to web servers.
	DefaultUserAgent = "crewflow/1.0 (+https://github.com/crewflow/crewflow)"
	// DefaultMaxContent is the default cap on rendered content.
	DefaultMaxContent = 15000

	maxBody = 4 << 20
)

// noise lists the elements removed before rendering.
const noise = "script, style, noscript, nav, footer, header, aside, iframe, svg, form"

func newFetcher(opts Options) *fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	limit := opts.MaxContent
	if limit <= 0 {
		limit = DefaultMaxContent
	}
	rc := retry.DefaultConfig()
	if opts.Retry != nil {
		rc = *opts.Retry
	}
	return &fetcher{http: client, userAgent: ua, maxContent: limit, retry: rc}
}

// fetch retrieves and parses rawURL. Failures are tool errors attributed to
// tool unless ctx is done.
func (f *fetcher) fetch(ctx context.Context, tool, rawURL string) (*page, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, toolerrors.NewWithCause(tool, fmt.Sprintf("invalid url %q: must be an absolute http(s) url", rawURL), nil)
	}
	var p *page
	err = retry.Do(ctx, f.retry, func(ctx context.Context) error {
		p, err = f.get(ctx, u)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var status *retry.HTTPStatusError
		if errors.As(err, &status) {
			return nil, toolerrors.NewWithCause(tool, fmt.Sprintf("HTTP %d fetching %s", status.StatusCode, u), nil)
		}
		var parse *parseError
		if errors.As(err, &parse) {
			return nil, toolerrors.NewWithCause(tool, "parse HTML", parse.err)
		}
		return nil, toolerrors.NewWithCause(tool, "", err)
	}
	return p, nil
}

// parseError marks a response body that is not HTML.
type parseError struct{ err error }

func (e *parseError) Error() string { return "parse HTML: " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// get performs one GET of u.
func (f *fetcher) get(ctx context.Context, u *url.URL) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode}
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &parseError{err: err}
	}
	doc.Find(noise).Remove()
	return &page{url: resp.Request.URL, doc: doc}, nil
}

// title returns the document title.
func (p *page) title() string {
	return collapse(p.doc.Find("title").First().Text())
}

// markdown renders the readable content of sel as Markdown: headings, code
// blocks, list items and paragraphs in document order.
func markdown(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Find("h1, h2, h3, h4, h5, h6, p, pre, li, blockquote, td").Each(func(_ int, s *goquery.Selection) {
		// Nested matches are rendered by their outermost match.
		if s.ParentsFiltered("p, pre, li, blockquote, td").Length() > 0 {
			return
		}
		name := goquery.NodeName(s)
		if name == "pre" {
			if text := strings.TrimRight(s.Text(), "\n "); text != "" {
				fmt.Fprintf(&b, "```\n%s\n```\n\n", text)
			}
			return
		}
		text := collapse(s.Text())
		if text == "" {
			return
		}
		switch name {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			fmt.Fprintf(&b, "%s %s\n\n", strings.Repeat("#", int(name[1]-'0')), text)
		case "li":
			fmt.Fprintf(&b, "- %s\n", text)
		case "blockquote":
			fmt.Fprintf(&b, "> %s\n\n", text)
		default:
			b.WriteString(text + "\n\n")
		}
	})
	return strings.TrimSpace(b.String())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n\n[Content truncated...]"
}
