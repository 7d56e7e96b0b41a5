// Package diffcache keeps rendered file change diffs in a bounded LRU.
//
// Entries are keyed by file change ID. Each entry holds the renders of one
// version of that file change, one per rendering mode, and is replaced as a
// whole on population so concurrent writers can only lose work, never mix
// versions.
package diffcache

import (
	"context"
	"maps"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultSize = 1000

type Key struct {
	FileChangeID string
	Version      string
	Mode         string
}

type Config struct {
	Size    int
	Enabled bool
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	version string
	byMode  map[string][]byte
}

type Manager struct {
	enabled bool
	cache   *lru.Cache[string, entry]

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func New(cfg Config) *Manager {
	size := cfg.Size
	if size <= 0 {
		size = DefaultSize
	}
	m := &Manager{enabled: cfg.Enabled}
	cache, _ := lru.NewWithEvict[string, entry](size, m.handleEviction)
	m.cache = cache
	return m
}

func (m *Manager) handleEviction(string, entry) {
	m.evictions.Add(1)
}

// GetOrCompute returns the cached render for key or calls compute and
// stores its result. Errors are never cached.
func (m *Manager) GetOrCompute(ctx context.Context, key Key, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if !m.enabled {
		m.misses.Add(1)
		return compute(ctx)
	}
	if cached, ok := m.cache.Get(key.FileChangeID); ok && cached.version == key.Version {
		if rendered, ok := cached.byMode[key.Mode]; ok {
			m.hits.Add(1)
			return rendered, nil
		}
	}
	m.misses.Add(1)

	rendered, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	next := entry{version: key.Version, byMode: map[string][]byte{key.Mode: rendered}}
	if cached, ok := m.cache.Peek(key.FileChangeID); ok && cached.version == key.Version {
		next.byMode = maps.Clone(cached.byMode)
		next.byMode[key.Mode] = rendered
	}
	m.cache.Add(key.FileChangeID, next)
	return rendered, nil
}

func (m *Manager) Invalidate(fileChangeID string) {
	m.cache.Remove(fileChangeID)
}

func (m *Manager) InvalidateAll() {
	m.cache.Purge()
}

func (m *Manager) Len() int {
	return m.cache.Len()
}

func (m *Manager) Enabled() bool {
	return m.enabled
}

func (m *Manager) Stats() Stats {
	return Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
	}
}
