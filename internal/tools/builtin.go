package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"

	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

const (
	duckDuckGoSearchURL = "https://html.duckduckgo.com/html/"
	googleSearchURL     = "https://www.google.com/search"
	maxSearchResults    = 10
	maxFetchChars       = 50000
	userAgent           = "Mozilla/5.0 (compatible; Locus/1.0)"
)

// ApprovalFunc is consulted before any outbound network access. A nil func
// means access is pre-approved.
type ApprovalFunc func(tool, target string) bool

// BuiltinProvider contributes the tools that ship with the runtime:
// web_fetch, web_search, and calculator.
type BuiltinProvider struct {
	client   *http.Client
	provider string // search provider: "google" or "duckduckgo"
	privacy  config.PrivacyConfig
	approve  ApprovalFunc
}

func NewBuiltinProvider(cfg *config.Config, approve ApprovalFunc) *BuiltinProvider {
	return &BuiltinProvider{
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		provider: cfg.Search.Provider,
		privacy:  cfg.Privacy,
		approve:  approve,
	}
}

func (p *BuiltinProvider) Name() string { return "builtin" }

func (p *BuiltinProvider) Close() error { return nil }

func (p *BuiltinProvider) Load(ctx context.Context) ([]ports.ProvidedTool, error) {
	tools := []ports.ProvidedTool{
		{
			Tool: models.Tool{
				Name:        "calculator",
				Description: "Evaluates an arithmetic expression. Supports + - * / % ^ and parentheses.",
				ArgsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"expression": map[string]any{
							"type":        "string",
							"description": "The expression to evaluate, e.g. \"(2+3)*4\"",
						},
					},
					"required": []any{"expression"},
				},
			},
			Invoke: p.calculate,
		},
		{
			Tool: models.Tool{
				Name:        "web_fetch",
				Description: "Fetches a web page and returns its main content as markdown. Extracts the article body and strips navigation and boilerplate.",
				ArgsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{
							"type":        "string",
							"description": "The URL to fetch",
						},
						"max_length": map[string]any{
							"type":        "integer",
							"description": "Maximum character length of the output (default: 50000)",
						},
					},
					"required": []any{"url"},
				},
			},
			Invoke: p.webFetch,
		},
	}

	if p.privacy.AllowWebSearch {
		tools = append(tools, ports.ProvidedTool{
			Tool: models.Tool{
				Name:        "web_search",
				Description: "Searches the web and returns result titles, URLs, and snippets.",
				ArgsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "The search query",
						},
						"num_results": map[string]any{
							"type":        "integer",
							"description": "Number of results to return (default: 5, max: 10)",
						},
					},
					"required": []any{"query"},
				},
			},
			Invoke: p.webSearch,
		})
	}

	return tools, nil
}

func (p *BuiltinProvider) calculate(ctx context.Context, args map[string]any) (any, error) {
	expr, ok := args["expression"].(string)
	if !ok || strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("expression is required")
	}
	v, err := evalExpression(expr)
	if err != nil {
		return nil, err
	}
	return strconv.FormatFloat(v, 'g', -1, 64), nil
}

func (p *BuiltinProvider) checkAccess(ctx context.Context, tool, target string) error {
	for _, denied := range p.privacy.URLDenylist {
		if strings.Contains(target, denied) {
			return fmt.Errorf("url %q is denied by policy", target)
		}
	}
	if approve, ok := ApprovalFromContext(ctx); ok {
		if !approve(tool, target) {
			return fmt.Errorf("network access to %q was not approved", target)
		}
		return nil
	}
	if p.approve != nil && !p.approve(tool, target) {
		return fmt.Errorf("network access to %q was not approved", target)
	}
	return nil
}

// FetchPage retrieves a URL and returns its readable content as markdown.
// Shared with the retrieval pipeline, which ingests pages outside the tool
// surface.
func (p *BuiltinProvider) FetchPage(ctx context.Context, pageURL string, maxChars int) (title, markdown string, err error) {
	if err := p.checkAccess(ctx, "web_fetch", pageURL); err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, 4<<20), resp.Request.URL)
	if err != nil {
		return "", "", fmt.Errorf("failed to extract content: %w", err)
	}

	var htmlBuf strings.Builder
	if err := article.RenderHTML(&htmlBuf); err != nil {
		return "", "", fmt.Errorf("failed to render article: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(htmlBuf.String(), converter.WithDomain(resp.Request.URL.String()))
	if err != nil {
		return "", "", fmt.Errorf("failed to convert to markdown: %w", err)
	}

	md = cleanWhitespace(md)
	if maxChars > 0 && len(md) > maxChars {
		md = md[:maxChars] + "\n\n[Content truncated...]"
	}
	return article.Title(), md, nil
}

func (p *BuiltinProvider) webFetch(ctx context.Context, args map[string]any) (any, error) {
	pageURL, ok := args["url"].(string)
	if !ok || pageURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	maxChars := maxFetchChars
	if v, ok := args["max_length"].(float64); ok && v > 0 {
		maxChars = int(v)
	}

	title, md, err := p.FetchPage(ctx, pageURL, maxChars)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"url":     pageURL,
		"title":   title,
		"content": md,
	}, nil
}

// SearchHit is one web search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

func (p *BuiltinProvider) webSearch(ctx context.Context, args map[string]any) (any, error) {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	query = strings.TrimSpace(query)
	if len(query) > 500 {
		return nil, fmt.Errorf("query too long (max 500 characters)")
	}

	limit := 5
	if v, ok := args["num_results"].(float64); ok {
		limit = int(v)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxSearchResults {
		limit = maxSearchResults
	}

	if err := p.checkAccess(ctx, "web_search", query); err != nil {
		return nil, err
	}

	var hits []SearchHit
	var err error
	switch p.provider {
	case "google":
		hits, err = p.searchGoogle(ctx, query, limit)
	default:
		hits, err = p.searchDuckDuckGo(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("no results found for query: %q", query)
	}

	return map[string]any{
		"query":        query,
		"result_count": len(hits),
		"results":      hits,
	}, nil
}

func (p *BuiltinProvider) searchDuckDuckGo(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	form := url.Values{}
	form.Set("q", query)
	form.Set("kl", "us-en")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, duckDuckGoSearchURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	var hits []SearchHit
	doc.Find("div.result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find("a.result__a").First()
		href, _ := link.Attr("href")
		href = resolveDuckDuckGoRedirect(href)
		if href == "" || strings.Contains(href, "duckduckgo.com") {
			return true
		}
		hits = append(hits, SearchHit{
			Title:   strings.TrimSpace(link.Text()),
			URL:     href,
			Snippet: strings.TrimSpace(s.Find(".result__snippet").Text()),
		})
		return len(hits) < limit
	})
	return hits, nil
}

// resolveDuckDuckGoRedirect unwraps the uddg redirect parameter from the
// HTML endpoint's result links.
func resolveDuckDuckGoRedirect(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.Contains(u.Host, "duckduckgo.com") && u.Query().Get("uddg") != "" {
		return u.Query().Get("uddg")
	}
	if u.Host == "" {
		return ""
	}
	return href
}

func (p *BuiltinProvider) searchGoogle(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("num", strconv.Itoa(limit))
	q.Set("hl", "en")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleSearchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	var hits []SearchHit
	doc.Find("div.g").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find("a").First()
		href, _ := link.Attr("href")
		title := strings.TrimSpace(s.Find("h3").First().Text())
		if href == "" || title == "" || !strings.HasPrefix(href, "http") {
			return true
		}
		hits = append(hits, SearchHit{
			Title:   title,
			URL:     href,
			Snippet: strings.TrimSpace(s.Find("div[data-sncf], div.VwiC3b").First().Text()),
		})
		return len(hits) < limit
	})
	return hits, nil
}

var multiBlank = regexp.MustCompile(`\n{3,}`)

func cleanWhitespace(md string) string {
	return strings.TrimSpace(multiBlank.ReplaceAllString(md, "\n\n"))
}
