package config

import (
	"fmt"
	"sort"
	"sync"
)

// Store owns the live per-site configuration. It replaces process-wide
// config globals: callers receive an explicit *Store and every read returns
// a private copy.
type Store struct {
	mu    sync.RWMutex
	sites map[string]SiteConfig
}

// NewStore builds a store seeded from cfg.Sites.
func NewStore(cfg *Config) *Store {
	s := &Store{sites: make(map[string]SiteConfig)}
	if cfg != nil {
		for id, site := range cfg.Sites {
			site.ID = id
			s.sites[id] = site.Clone()
		}
	}
	return s
}

// Site returns a copy of the named site's configuration.
func (s *Store) Site(id string) (SiteConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	if !ok {
		return SiteConfig{}, false
	}
	return site.Clone(), true
}

// Put adds or replaces a site.
func (s *Store) Put(site SiteConfig) error {
	if site.ID == "" {
		return fmt.Errorf("site id is empty")
	}
	if site.Prefix == "" {
		return fmt.Errorf("site %q: prefix is required", site.ID)
	}
	s.mu.Lock()
	s.sites[site.ID] = site.Clone()
	s.mu.Unlock()
	return nil
}

// Sites returns the configured site ids, sorted.
func (s *Store) Sites() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sites))
	for id := range s.sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
