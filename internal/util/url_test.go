package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateSearchLinks(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		pages    int
		pageSize int
		expected []string
	}{
		{
			name:     "three_pages",
			base:     "https://listings.example.com/cars/search",
			pages:    3,
			pageSize: 24,
			expected: []string{
				"https://listings.example.com/cars/search,pgn:1,pgs:24",
				"https://listings.example.com/cars/search,pgn:2,pgs:24",
				"https://listings.example.com/cars/search,pgn:3,pgs:24",
			},
		},
		{name: "no_pages", base: "https://listings.example.com/search", pages: 0, pageSize: 24},
		{name: "no_page_size", base: "https://listings.example.com/search", pages: 2, pageSize: 0},
		{name: "empty_base", base: "  ", pages: 2, pageSize: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GenerateSearchLinks(tt.base, tt.pages, tt.pageSize))
		})
	}
}

func TestParseURLList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "comma_separated",
			input:    "https://a.example.com/1, https://a.example.com/2",
			expected: []string{"https://a.example.com/1", "https://a.example.com/2"},
		},
		{
			name:  "search_urls_keep_commas",
			input: "https://a.example.com/search,pgn:1,pgs:24,https://a.example.com/search,pgn:2,pgs:24",
			expected: []string{
				"https://a.example.com/search,pgn:1,pgs:24",
				"https://a.example.com/search,pgn:2,pgs:24",
			},
		},
		{
			name:     "newlines_blanks_and_duplicates",
			input:    "https://a.example.com/1\n\nhttps://a.example.com/1\nhttp://b.example.com/",
			expected: []string{"https://a.example.com/1", "http://b.example.com/"},
		},
		{
			name:     "invalid_entries_dropped",
			input:    "ftp://files.example.com/x, /relative, https://ok.example.com",
			expected: []string{"https://ok.example.com"},
		},
		{name: "empty", input: "", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseURLList(tt.input))
		})
	}
}

func TestValidateTargetURL(t *testing.T) {
	assert.NoError(t, ValidateTargetURL("https://listings.example.com/search,pgn:1,pgs:24"))
	assert.Error(t, ValidateTargetURL("listings.example.com"))
	assert.Error(t, ValidateTargetURL("mailto:ops@example.com"))
	assert.Error(t, ValidateTargetURL("https://"))
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "listings.example.com:8443", HostOf("https://listings.example.com:8443/a"))
	assert.Equal(t, "", HostOf("://bad"))
}

func BenchmarkGenerateSearchLinks(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = GenerateSearchLinks("https://listings.example.com/search", 50, 24)
	}
}
