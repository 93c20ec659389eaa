package rotator

import (
	"sync"

	"github.com/die-net/liveproxy/internal/candidate"
	"github.com/die-net/liveproxy/internal/pool"
	"github.com/die-net/liveproxy/internal/proxyerr"
)

// DestinationStrikes is how many consecutive destination-level refusals
// degrade an upstream.
const DestinationStrikes = 3

// State picks the upstream for each admitted request. Upstreams are served
// round-robin, threshold requests at a time; an upstream that fails is
// degraded and skipped until the store is refreshed.
//
// All fields are guarded by mu, so concurrent requests see one ordering of
// rotations and failovers and no upstream is handed more than threshold
// consecutive requests.
type State struct {
	store     *pool.Store
	threshold int

	mu        sync.Mutex
	synced    bool
	version   uint64
	upstreams []pool.Verified
	current   int
	served    int
	degraded  map[candidate.Key]struct{}
	strikes   map[candidate.Key]int
	admitted  uint64
	failovers uint64
}

// Lease is one admitted request's claim on an upstream.
type Lease struct {
	Upstream pool.Verified
	index    int
	version  uint64
}

// Version returns the store version the lease was taken against.
func (l Lease) Version() uint64 {
	return l.version
}

type Stats struct {
	Version   uint64
	Upstreams int
	Degraded  int
	// Current is the upstream that will serve the next request, empty when
	// the pool is exhausted.
	Current   string
	Served    int
	Admitted  uint64
	Failovers uint64
}

// NewState returns a State reading upstreams from store. threshold below 1
// is treated as 1.
func NewState(store *pool.Store, threshold int) *State {
	return &State{
		store:     store,
		threshold: max(threshold, 1),
		degraded:  make(map[candidate.Key]struct{}),
		strikes:   make(map[candidate.Key]int),
	}
}

// Acquire admits one request and returns the upstream that must serve it.
// It returns a PoolExhausted error when every upstream is degraded or the
// store is empty.
func (s *State) Acquire() (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncLocked()
	if !s.availableLocked() {
		return Lease{}, proxyerr.Exhausted("select upstream")
	}

	if s.isDegradedLocked(s.current) {
		s.current = s.nextLocked(s.current)
		s.served = 0
	}
	if s.served >= s.threshold {
		s.current = s.nextLocked(s.current)
		s.served = 0
	}
	s.served++
	s.admitted++

	return Lease{Upstream: s.upstreams[s.current], index: s.current, version: s.version}, nil
}

// Fail records that the lease's upstream failed. The upstream is degraded
// for the rest of this store version and, if it is current, the next
// non-degraded upstream becomes current with a fresh count. Fail reports
// whether this call degraded the upstream; leases from an older store
// version and repeated failures are ignored.
func (s *State) Fail(l Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLeaseLocked(l) {
		return false
	}
	return s.degradeLocked(l)
}

// Strike records a destination-level refusal on the lease's upstream. The
// upstream is degraded, as by Fail, once it collects DestinationStrikes of
// them without a success in between. Strike reports whether it degraded.
func (s *State) Strike(l Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLeaseLocked(l) {
		return false
	}
	key := l.Upstream.Key()
	s.strikes[key]++
	if s.strikes[key] < DestinationStrikes {
		return false
	}
	return s.degradeLocked(l)
}

// Succeed clears the lease's upstream strikes.
func (s *State) Succeed(l Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentLeaseLocked(l) {
		delete(s.strikes, l.Upstream.Key())
	}
}

func (s *State) currentLeaseLocked(l Lease) bool {
	return s.synced && l.version == s.version
}

func (s *State) degradeLocked(l Lease) bool {
	key := l.Upstream.Key()
	if _, ok := s.degraded[key]; ok {
		return false
	}
	delete(s.strikes, key)
	s.degraded[key] = struct{}{}
	s.failovers++

	if s.current == l.index && s.availableLocked() {
		s.current = s.nextLocked(s.current)
		s.served = 0
	}
	return true
}

func (s *State) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncLocked()
	st := Stats{
		Version:   s.version,
		Upstreams: len(s.upstreams),
		Degraded:  len(s.degraded),
		Served:    s.served,
		Admitted:  s.admitted,
		Failovers: s.failovers,
	}
	if s.availableLocked() && !s.isDegradedLocked(s.current) {
		st.Current = s.upstreams[s.current].Candidate.String()
	}
	return st
}

// syncLocked adopts the store's set when its version has moved. Degraded
// marks belong to the old set and are dropped with it.
func (s *State) syncLocked() {
	if s.synced && s.store.Version() == s.version {
		return
	}
	version, ups := s.store.Snapshot()
	s.synced = true
	s.version = version
	s.upstreams = ups
	s.current = 0
	s.served = 0
	clear(s.degraded)
	clear(s.strikes)
}

func (s *State) availableLocked() bool {
	return len(s.degraded) < len(s.upstreams)
}

func (s *State) isDegradedLocked(i int) bool {
	_, ok := s.degraded[s.upstreams[i].Key()]
	return ok
}

// nextLocked returns the first non-degraded index after from, wrapping.
// from itself is returned last, so a single healthy upstream keeps serving.
func (s *State) nextLocked(from int) int {
	n := len(s.upstreams)
	for i := 1; i <= n; i++ {
		idx := (from + i) % n
		if !s.isDegradedLocked(idx) {
			return idx
		}
	}
	return from
}
