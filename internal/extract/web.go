package extract

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/secondbrain/secondbrain/internal/chunker"
)

const fetchTimeout = 20 * time.Second

const userAgent = "SecondBrainBot/0.1"

const maxFetchBytes = 10 << 20 // 10MB

// extractWeb fetches a page (following redirects, with a bounded timeout)
// and flattens it to text: script, style, and noscript subtrees are dropped,
// remaining text nodes are newline-joined, and the page title becomes the
// derived document title.
func (e *Extractor) extractWeb(ctx context.Context, url string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	doc, err := html.Parse(http.MaxBytesReader(nil, resp.Body, maxFetchBytes))
	if err != nil {
		return Result{}, fmt.Errorf("parsing html from %s: %w", url, err)
	}

	title, text := flattenHTML(doc)
	return Result{Title: title, Text: chunker.Normalize(text)}, nil
}

// flattenHTML walks the parse tree collecting visible text nodes and the
// first <title> element's text.
func flattenHTML(root *html.Node) (title, text string) {
	var sb strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "title":
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return title, sb.String()
}
