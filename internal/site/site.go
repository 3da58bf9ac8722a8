// Package site describes the remote board the client talks to and keeps the
// last known list of CDN mirrors for its images.
package site

import (
	"math/rand"
	"net/url"
	"strings"
	"sync"
)

// CDNPath is one image mirror with its relative selection weight.
type CDNPath struct {
	URL  string  `json:"url"`
	Rate float64 `json:"rate"`
}

type Site struct {
	base       *url.URL
	cdnPathURL *url.URL

	mu       sync.RWMutex
	cdnPaths []CDNPath
}

func New(base, cdnPathURL *url.URL) *Site {
	return &Site{base: base, cdnPathURL: cdnPathURL}
}

// URL returns a copy of the site root.
func (s *Site) URL() *url.URL {
	u := *s.base
	return &u
}

// CDNPathURL returns the endpoint serving the CDN mirror list.
func (s *Site) CDNPathURL() *url.URL {
	u := *s.cdnPathURL
	return &u
}

// SetCDNPaths replaces the mirror list. Entries without a URL are dropped.
func (s *Site) SetCDNPaths(paths []CDNPath) {
	clean := make([]CDNPath, 0, len(paths))
	for _, p := range paths {
		p.URL = strings.TrimSpace(p.URL)
		if p.URL == "" {
			continue
		}
		clean = append(clean, p)
	}
	s.mu.Lock()
	s.cdnPaths = clean
	s.mu.Unlock()
}

func (s *Site) CDNPaths() []CDNPath {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CDNPath(nil), s.cdnPaths...)
}

// PickCDN chooses a mirror at random, weighted by Rate. Mirrors with a
// non-positive rate are only chosen when no mirror has a positive one.
// It falls back to the site root when the list is empty.
func (s *Site) PickCDN(rnd *rand.Rand) string {
	paths := s.CDNPaths()
	if len(paths) == 0 {
		return s.base.String()
	}
	var total float64
	for _, p := range paths {
		if p.Rate > 0 {
			total += p.Rate
		}
	}
	if total == 0 {
		return paths[intn(rnd, len(paths))].URL
	}
	x := float64n(rnd) * total
	for _, p := range paths {
		if p.Rate <= 0 {
			continue
		}
		if x < p.Rate {
			return p.URL
		}
		x -= p.Rate
	}
	return paths[len(paths)-1].URL
}

// ImageURL resolves an image path against a CDN mirror.
func (s *Site) ImageURL(rnd *rand.Rand, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(s.PickCDN(rnd), "/") + "/" + strings.TrimLeft(path, "/")
}

func intn(rnd *rand.Rand, n int) int {
	if rnd == nil {
		return rand.Intn(n)
	}
	return rnd.Intn(n)
}

func float64n(rnd *rand.Rand) float64 {
	if rnd == nil {
		return rand.Float64()
	}
	return rnd.Float64()
}
