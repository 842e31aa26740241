package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_AddAndClaim(t *testing.T) {
	r := NewRegistry()

	r.Add("sess-1", "how do raft leaders get elected")

	job, ok := r.Claim("sess-1")
	assert.True(t, ok)
	assert.Equal(t, "sess-1", job.SessionID)
	assert.Equal(t, "how do raft leaders get elected", job.Query)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestRegistry_ClaimIsExactlyOnce(t *testing.T) {
	r := NewRegistry()
	r.Add("sess-1", "query")

	_, ok := r.Claim("sess-1")
	assert.True(t, ok)

	_, ok = r.Claim("sess-1")
	assert.False(t, ok)
}

func TestRegistry_ClaimUnknownSession(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Claim("never-registered")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentClaimSingleWinner(t *testing.T) {
	r := NewRegistry()
	r.Add("sess-1", "query")

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Claim("sess-1"); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	r.Add("sess-1", "query")

	assert.True(t, r.Remove("sess-1"))
	assert.False(t, r.Remove("sess-1"))

	_, ok := r.Claim("sess-1")
	assert.False(t, ok)
}

func TestRegistry_AddReplacesExisting(t *testing.T) {
	r := NewRegistry()

	r.Add("sess-1", "old query")
	r.Add("sess-1", "new query")

	job, ok := r.Claim("sess-1")
	assert.True(t, ok)
	assert.Equal(t, "new query", job.Query)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SweepOlderThan(t *testing.T) {
	r := NewRegistry()
	r.Add("fresh", "recent query")
	r.Add("stale", "abandoned query")

	r.mu.Lock()
	job := r.pending["stale"]
	job.CreatedAt = time.Now().Add(-time.Hour)
	r.pending["stale"] = job
	r.mu.Unlock()

	removed := r.SweepOlderThan(30 * time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.Len())

	_, ok := r.Claim("fresh")
	assert.True(t, ok)
}
