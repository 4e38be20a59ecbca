package util

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// GenerateSearchLinks builds the paginated search URLs for a base search
// URL: <base>,pgn:<page>,pgs:<pageSize> for pages 1..pages.
func GenerateSearchLinks(base string, pages, pageSize int) []string {
	base = strings.TrimSpace(base)
	if base == "" || pages <= 0 || pageSize <= 0 {
		return nil
	}

	links := make([]string, 0, pages)
	for page := 1; page <= pages; page++ {
		links = append(links, fmt.Sprintf("%s,pgn:%d,pgs:%d", base, page, pageSize))
	}
	return links
}

// ValidateTargetURL checks that raw is an absolute http(s) URL
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return nil
}

// ParseURLList splits a comma or newline separated list, dropping blanks,
// duplicates and anything that is not an absolute http(s) URL. Commas
// inside a URL path are kept when the next segment does not start a new URL.
func ParseURLList(raw string) []string {
	var parts []string
	for _, line := range strings.Split(raw, "\n") {
		parts = append(parts, splitURLs(line)...)
	}

	seen := make(map[string]struct{}, len(parts))
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := ValidateTargetURL(p); err != nil {
			log.Warn().Err(err).Msg("Skipping target URL")
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// splitURLs splits on commas that are followed by a scheme, so search
// URLs such as https://site/search,pgn:1,pgs:24 stay intact.
func splitURLs(line string) []string {
	var out []string
	var current strings.Builder
	for _, seg := range strings.Split(line, ",") {
		trimmed := strings.TrimSpace(seg)
		startsURL := strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://")
		if current.Len() > 0 && (startsURL || trimmed == "") {
			out = append(out, current.String())
			current.Reset()
		}
		if trimmed == "" {
			continue
		}
		if current.Len() > 0 {
			current.WriteByte(',')
			current.WriteString(seg)
		} else {
			current.WriteString(trimmed)
		}
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// HostOf returns the host of a URL, or an empty string when it cannot be parsed
func HostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
