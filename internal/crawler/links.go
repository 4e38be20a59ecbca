package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultLinkSelector matches every anchor with an href.
const DefaultLinkSelector = "a[href]"

// ExtractLinks returns the absolute, de-duplicated hrefs of elements
// matching selector in an HTML page, in document order. Fragments,
// javascript: and mailto: links and hidden elements are skipped.
func ExtractLinks(body []byte, pageURL string, selector string) ([]string, error) {
	if selector == "" {
		selector = DefaultLinkSelector
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string

	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") ||
			isHidden(s) {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""

		u := abs.String()
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		links = append(links, u)
	})

	return links, nil
}

var hidingClasses = []string{"hidden", "d-none", "display-none", "sr-only", "visually-hidden"}

// isHidden walks up to body looking for the usual hiding markers.
func isHidden(s *goquery.Selection) bool {
	for n := s; n.Length() > 0 && !n.Is("body"); n = n.Parent() {
		if v, ok := n.Attr("aria-hidden"); ok && v == "true" {
			return true
		}
		if _, ok := n.Attr("hidden"); ok {
			return true
		}
		if style, ok := n.Attr("style"); ok {
			compact := strings.ReplaceAll(strings.ToLower(style), " ", "")
			if strings.Contains(compact, "display:none") || strings.Contains(compact, "visibility:hidden") {
				return true
			}
		}
		for _, class := range hidingClasses {
			if n.HasClass(class) {
				return true
			}
		}
	}
	return false
}
