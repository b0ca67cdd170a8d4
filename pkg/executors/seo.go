package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
)

// seoAuditExec crawls the configured routes and reports canonical links,
// metadata coverage, OG tags, and broken same-origin links. Page URLs are
// recorded absolute so canonical host checks are meaningful.
type seoAuditExec struct {
	servers *ServerManager
}

type seoPage struct {
	URL             string            `json:"url"`
	Canonical       *string           `json:"canonical"`
	Title           *string           `json:"title"`
	MetaDescription *string           `json:"meta_description"`
	OG              map[string]string `json:"og"`
	BrokenLinks     []string          `json:"broken_links"`
}

func (e *seoAuditExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	base, err := stagingBase(ec, e.servers, "STAGING_URL", "API_BASE")
	if err != nil {
		return nil, err
	}
	routes := stringsParam(ec.Params, "routes")
	if len(routes) == 0 {
		routes = defaultVisualRoutes
	}
	out := stringParam(ec.Params, "out", "reports/seo/audit.json")

	linkStatus := make(map[string]bool)
	pages := make([]seoPage, 0, len(routes))
	for _, route := range routes {
		page, err := e.auditRoute(ctx, base, route, linkStatus)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}

	audit := map[string]any{
		"base_url": base,
		"pages":    pages,
	}
	doc, err := json.Marshal(audit)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateJSON(schema.SeoAudit, doc); err != nil {
		return nil, graph.Permanent(err)
	}
	relPath, err := writeJSONArtifact(ec, out, audit)
	if err != nil {
		return nil, err
	}

	broken := 0
	for _, page := range pages {
		broken += len(page.BrokenLinks)
	}
	return &graph.ExecResult{
		Artifacts: []string{relPath},
		Metadata:  map[string]any{"pages": len(pages), "broken_links": broken},
	}, nil
}

func (e *seoAuditExec) auditRoute(ctx context.Context, base, route string, linkStatus map[string]bool) (seoPage, error) {
	pageURL := base + route
	page := seoPage{URL: pageURL, OG: map[string]string{}, BrokenLinks: []string{}}

	resp, body, err := fetch(ctx, pageURL)
	if err != nil {
		return page, graph.Transient(err)
	}
	if resp.StatusCode != http.StatusOK {
		return page, graph.Permanentf("seo route %s returned status %d", route, resp.StatusCode)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return page, graph.Permanentf("parsing %s: %v", route, err)
	}

	var links []string
	walkHTML(doc, func(n *html.Node) {
		switch n.Data {
		case "title":
			if n.FirstChild != nil && page.Title == nil {
				title := strings.TrimSpace(n.FirstChild.Data)
				page.Title = &title
			}
		case "meta":
			name := attr(n, "name")
			property := attr(n, "property")
			content := attr(n, "content")
			if name == "description" && page.MetaDescription == nil {
				page.MetaDescription = &content
			}
			if strings.HasPrefix(property, "og:") {
				page.OG[property] = content
			}
		case "link":
			if attr(n, "rel") == "canonical" && page.Canonical == nil {
				canonical := attr(n, "href")
				page.Canonical = &canonical
			}
		case "a":
			if href := attr(n, "href"); href != "" {
				links = append(links, href)
			}
		}
	})

	for _, href := range dedupe(links) {
		target, ok := resolveLink(base, href)
		if !ok {
			continue
		}
		alive, checked := linkStatus[target]
		if !checked {
			alive = linkAlive(ctx, target)
			linkStatus[target] = alive
		}
		if !alive {
			page.BrokenLinks = append(page.BrokenLinks, href)
		}
	}
	sort.Strings(page.BrokenLinks)
	return page, nil
}

func walkHTML(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walkHTML(child, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// resolveLink turns a same-origin href into an absolute URL; external and
// fragment links are out of scope for the audit.
func resolveLink(base, href string) (string, bool) {
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") {
		return "", false
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if parsed.IsAbs() {
		baseURL, err := url.Parse(base)
		if err != nil || parsed.Host != baseURL.Host {
			return "", false
		}
		return href, true
	}
	return base + href, true
}

func linkAlive(ctx context.Context, target string) bool {
	resp, _, err := fetch(ctx, target)
	if err != nil {
		return false
	}
	return resp.StatusCode < 400
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
