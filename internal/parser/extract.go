// Package parser implements the parse worker pool: it consumes parse tasks,
// loads stored raw bodies, extracts outbound links, and feeds discovered
// URLs back onto the frontier at the next link depth.
package parser

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/bicrawl/internal/urlutil"
)

// absoluteURLPattern matches absolute http(s) URLs embedded in arbitrary
// text, used by the OCR path.
var absoluteURLPattern = regexp.MustCompile(`https?://[^\s"'<>\)\]]+`)

// extractHTMLLinks parses body as HTML and collects candidate links:
// anchor hrefs, form actions, and the parent anchor of every image. Results
// are resolved against baseURL; relative links that cannot resolve are
// skipped.
func extractHTMLLinks(baseURL string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var links []string

	add := func(raw string) {
		if raw == "" {
			return
		}

		resolved, resolveErr := urlutil.Resolve(baseURL, raw)
		if resolveErr != nil {
			return
		}

		links = append(links, resolved)
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		add(href)
	})

	doc.Find("form[action]").Each(func(_ int, sel *goquery.Selection) {
		action, _ := sel.Attr("action")
		add(action)
	})

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		parent := sel.Parent()
		if goquery.NodeName(parent) != "a" {
			return
		}

		href, _ := parent.Attr("href")
		add(href)
	})

	return links, nil
}

// extractTextLinks scans body for absolute http(s) URLs. This is the link
// source for OCR-required content (images and PDFs), where structural
// parsing is unavailable.
func extractTextLinks(body []byte) []string {
	matches := absoluteURLPattern.FindAllString(string(body), -1)

	links := make([]string, 0, len(matches))
	links = append(links, matches...)

	return links
}

// filterLinks keeps crawlable http(s) URLs, drops excluded file extensions,
// and de-duplicates while preserving discovery order.
func filterLinks(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))

	for _, link := range links {
		if urlutil.Validate(link) != nil {
			continue
		}

		if urlutil.SkipExtension(link) {
			continue
		}

		if _, dup := seen[link]; dup {
			continue
		}

		seen[link] = struct{}{}
		out = append(out, link)
	}

	return out
}
