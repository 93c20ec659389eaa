// Package pool holds the current set of verified proxies.
//
// A Store is created by the caller and handed to whoever needs it; there is
// no package-level pool. Each validation cycle replaces the set wholesale via
// Refresh, and readers see either the old set or the new one, never a mix.
package pool

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/die-net/liveproxy/internal/candidate"
)

// Verified is a candidate whose latest validation passed.
type Verified struct {
	Candidate candidate.Candidate
	// Latency is the mean over the passed checks.
	Latency   time.Duration
	ExitIP    string
	CheckedAt time.Time
}

func (v Verified) Key() candidate.Key {
	return v.Candidate.Key()
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	version uint64
	proxies []Verified
}

// NewStore returns a store seeded with vs. An empty store has version 0.
func NewStore(vs ...Verified) *Store {
	s := &Store{}
	if len(vs) > 0 {
		s.Refresh(vs)
	}
	return s
}

// Refresh replaces the stored set with vs, deduplicated by key and ordered
// fastest first, and returns the new version.
func (s *Store) Refresh(vs []Verified) uint64 {
	next := Normalize(vs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies = next
	s.version++
	return s.version
}

// Snapshot returns the current version and a copy of the set.
func (s *Store) Snapshot() (uint64, []Verified) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, slices.Clone(s.proxies)
}

// Version returns the current version without copying the set.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.proxies)
}

// Normalize returns vs deduplicated by key, first occurrence kept, and
// ordered fastest first.
func Normalize(vs []Verified) []Verified {
	seen := make(map[candidate.Key]struct{}, len(vs))
	out := make([]Verified, 0, len(vs))
	for _, v := range vs {
		k := v.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	slices.SortStableFunc(out, func(a, b Verified) int {
		return cmp.Compare(a.Latency, b.Latency)
	})
	return out
}
