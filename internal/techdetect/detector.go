// Package techdetect fingerprints the sites the harvester fetches, so
// operators can see when a target changes CDN or adds bot protection.
package techdetect

import (
	"net/http"
	"slices"
	"sync"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
	"github.com/rs/zerolog/log"
)

// Result contains the detected technologies for one page
type Result struct {
	// Technologies maps technology name to its categories (e.g., {"Cloudflare": ["CDN"]})
	Technologies map[string][]string `json:"technologies"`
}

// Names returns the detected technology names, sorted
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Technologies))
	for name := range r.Technologies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Detector provides technology detection capabilities
type Detector struct {
	client *wappalyzer.Wappalyze
}

// categoryNames maps wappalyzer category IDs to human-readable names
var (
	categoryNames     map[int]string
	categoryNamesOnce sync.Once
)

// New creates a new technology detector
func New() (*Detector, error) {
	client, err := wappalyzer.New()
	if err != nil {
		return nil, err
	}

	categoryNamesOnce.Do(func() {
		categoryNames = make(map[int]string)
		for id, cat := range wappalyzer.GetCategoriesMapping() {
			categoryNames[id] = cat.Name
		}
	})

	return &Detector{client: client}, nil
}

// Detect identifies technologies from HTTP headers and body
func (d *Detector) Detect(headers http.Header, body []byte) *Result {
	result := &Result{Technologies: make(map[string][]string)}

	for tech, catInfo := range d.client.FingerprintWithCats(headers, body) {
		categories := make([]string, 0, len(catInfo.Cats))
		for _, catID := range catInfo.Cats {
			if name, ok := categoryNames[catID]; ok {
				categories = append(categories, name)
			}
		}
		result.Technologies[tech] = categories
	}

	log.Debug().
		Int("tech_count", len(result.Technologies)).
		Msg("Technology detection completed")

	return result
}
