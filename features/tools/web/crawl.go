package web

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

// CrawlName is the name of the crawl tool.
const CrawlName = "crawl_tool"

// Crawl is the crawl_tool: it renders the readable content of a page as
// Markdown.
type Crawl struct {
	f *fetcher
}

var crawlSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "url": {"type": "string", "description": "The url to crawl."}
  },
  "required": ["url"]
}`)

// NewCrawl returns the crawl tool.
func NewCrawl(opts Options) *Crawl {
	return &Crawl{f: newFetcher(opts)}
}

// Spec implements tools.Tool.
func (c *Crawl) Spec() tools.Spec {
	return tools.Spec{
		Name:        CrawlName,
		Description: "Use this to crawl a url and get a readable content in markdown format.",
		Schema:      crawlSchema,
	}
}

// Call implements tools.Tool.
func (c *Crawl) Call(ctx context.Context, raw json.RawMessage) (string, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", toolerrors.NewWithCause(CrawlName, "invalid input", err)
	}
	p, err := c.f.fetch(ctx, CrawlName, in.URL)
	if err != nil {
		return "", err
	}
	body := p.doc.Find("article, main").First()
	if body.Length() == 0 {
		body = p.doc.Find("body")
	}
	content := markdown(body)
	if title := p.title(); title != "" {
		content = fmt.Sprintf("# %s\n\n%s", title, content)
	}
	return truncate(content, c.f.maxContent), nil
}
