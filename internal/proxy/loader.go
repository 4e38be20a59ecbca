package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrEmptyProxyList is returned when no usable descriptor was supplied.
var ErrEmptyProxyList = errors.New("proxy list is empty")

// LoadFile reads proxy descriptors from a file, one per line.
func LoadFile(path string) ([]Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer f.Close()

	endpoints, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return endpoints, nil
}

// Parse reads descriptors from r. Blank lines and lines starting with '#'
// are skipped, malformed lines are logged and skipped, duplicates keep
// their first position.
func Parse(r io.Reader) ([]Endpoint, error) {
	var endpoints []Endpoint
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ep, err := ParseEndpoint(line)
		if err != nil {
			log.Warn().Err(err).Int("line", lineNo).Msg("Skipping invalid proxy descriptor")
			continue
		}

		if _, dup := seen[ep.ID()]; dup {
			log.Debug().Str("proxy", ep.ID()).Int("line", lineNo).Msg("Skipping duplicate proxy")
			continue
		}
		seen[ep.ID()] = struct{}{}
		endpoints = append(endpoints, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxy list: %w", err)
	}

	if len(endpoints) == 0 {
		return nil, ErrEmptyProxyList
	}

	log.Info().Int("proxies", len(endpoints)).Msg("Loaded proxy list")
	return endpoints, nil
}
