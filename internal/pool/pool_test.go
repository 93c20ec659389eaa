package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/liveproxy/internal/candidate"
)

func verified(host string, latency time.Duration) Verified {
	return Verified{
		Candidate: candidate.Candidate{Host: host, Port: 8080, Protocol: candidate.HTTP},
		Latency:   latency,
	}
}

func TestRefreshReplacesWholesale(t *testing.T) {
	s := NewStore(verified("a", 30*time.Millisecond), verified("b", 10*time.Millisecond))
	v1, got := s.Snapshot()
	assert.Equal(t, uint64(1), v1)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Candidate.Host)

	v2 := s.Refresh([]Verified{verified("c", 5*time.Millisecond)})
	assert.Equal(t, uint64(2), v2)

	_, got = s.Snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Candidate.Host)
	assert.Equal(t, 1, s.Len())
}

func TestRefreshDedupsAndOrders(t *testing.T) {
	s := NewStore()
	assert.Equal(t, uint64(0), s.Version())

	s.Refresh([]Verified{
		verified("slow", 300*time.Millisecond),
		verified("fast", 10*time.Millisecond),
		verified("FAST", 99*time.Millisecond),
		verified("mid", 50*time.Millisecond),
	})

	_, got := s.Snapshot()
	hosts := make([]string, 0, len(got))
	for _, v := range got {
		hosts = append(hosts, v.Candidate.Host)
	}
	assert.Equal(t, []string{"fast", "mid", "slow"}, hosts)
}

func TestRefreshEmptyStillBumpsVersion(t *testing.T) {
	s := NewStore(verified("a", time.Millisecond))
	assert.Equal(t, uint64(2), s.Refresh(nil))
	assert.Equal(t, 0, s.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore(verified("a", time.Millisecond))
	_, got := s.Snapshot()
	got[0].Candidate.Host = "mutated"

	_, again := s.Snapshot()
	assert.Equal(t, "a", again[0].Candidate.Host)
}

func TestConcurrentRefreshAndSnapshot(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Refresh([]Verified{verified("a", time.Duration(i)), verified("b", time.Duration(i+1))})
		}()
		go func() {
			defer wg.Done()
			_, vs := s.Snapshot()
			// Never a partially written set.
			assert.Contains(t, []int{0, 2}, len(vs))
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8), s.Version())
}
