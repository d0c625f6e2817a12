package web

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

// BrowserName is the name of the browser tool.
const BrowserName = "browser"

// maxLinks caps the links listed after the page content.
const maxLinks = 20

type (
	// Browser is the browser tool. It opens a page, optionally follows one of
	// its links and reads either the whole page or the elements matching a
	// CSS selector. The reply lists the links of the final page so the oracle
	// can keep navigating.
	Browser struct {
		f *fetcher
	}

	browserInput struct {
		URL      string `json:"url"`
		Follow   string `json:"follow,omitempty"`
		Selector string `json:"selector,omitempty"`
	}
)

var browserSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "url": {"type": "string", "description": "The page to open."},
    "follow": {"type": "string", "description": "Optional text of a link on the page to click before reading."},
    "selector": {"type": "string", "description": "Optional CSS selector restricting what is read."}
  },
  "required": ["url"]
}`)

// NewBrowser returns the browser tool.
func NewBrowser(opts Options) *Browser {
	return &Browser{f: newFetcher(opts)}
}

// Spec implements tools.Tool.
func (b *Browser) Spec() tools.Spec {
	return tools.Spec{
		Name:        BrowserName,
		Description: "Use this tool to interact with web pages. Open a url, optionally click a link by its text, and read the page or the parts matching a CSS selector. The reply includes the links of the page for further navigation.",
		Schema:      browserSchema,
	}
}

// Call implements tools.Tool.
func (b *Browser) Call(ctx context.Context, raw json.RawMessage) (string, error) {
	var in browserInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", toolerrors.NewWithCause(BrowserName, "invalid input", err)
	}
	p, err := b.f.fetch(ctx, BrowserName, in.URL)
	if err != nil {
		return "", err
	}
	if in.Follow != "" {
		href, ok := findLink(p, in.Follow)
		if !ok {
			return "", toolerrors.NewWithCause(BrowserName, fmt.Sprintf("no link matching %q on %s", in.Follow, p.url), nil)
		}
		if p, err = b.f.fetch(ctx, BrowserName, href); err != nil {
			return "", err
		}
	}
	sel := p.doc.Find("body")
	if in.Selector != "" {
		sel = p.doc.Find(in.Selector)
		if sel.Length() == 0 {
			return "", toolerrors.NewWithCause(BrowserName, fmt.Sprintf("selector %q matched nothing on %s", in.Selector, p.url), nil)
		}
	}
	var out strings.Builder
	fmt.Fprintf(&out, "URL: %s\nTitle: %s\n\n", p.url, p.title())
	content := markdown(sel)
	if content == "" {
		content = collapse(sel.Text())
	}
	out.WriteString(content)
	if links := listLinks(p); len(links) > 0 {
		out.WriteString("\n\nLinks:\n")
		out.WriteString(strings.Join(links, "\n"))
	}
	return truncate(out.String(), b.f.maxContent), nil
}

// findLink returns the absolute target of the first link whose text contains
// text, ignoring case.
func findLink(p *page, text string) (string, bool) {
	want := strings.ToLower(collapse(text))
	var target string
	p.doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.Contains(strings.ToLower(collapse(s.Text())), want) {
			return true
		}
		href, _ := s.Attr("href")
		if u, err := p.url.Parse(href); err == nil {
			target = u.String()
			return false
		}
		return true
	})
	return target, target != ""
}

// listLinks renders the first links of p as Markdown list items.
func listLinks(p *page) []string {
	var links []string
	seen := make(map[string]struct{})
	p.doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := collapse(s.Text())
		href, _ := s.Attr("href")
		u, err := p.url.Parse(href)
		if text == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return true
		}
		if _, dup := seen[u.String()]; dup {
			return true
		}
		seen[u.String()] = struct{}{}
		links = append(links, fmt.Sprintf("- [%s](%s)", text, u))
		return len(links) < maxLinks
	})
	return links
}
