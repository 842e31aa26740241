package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fathomlabs/fathom/pkg/models"
)

func sampleResult(sessionID string) models.ResearchResult {
	return models.ResearchResult{
		SessionID: sessionID,
		Mode:      models.ModeQuick,
		Report:    "# Findings",
		Citations: []models.Citation{{ID: 1, Title: "Example", URL: "https://example.com", Relevance: 0.9}},
		Tokens:    models.TokenUsage{Input: 100, Output: 200, Total: 300},
		LatencyMs: 1200,
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("compare postgres and mysql", models.ModeQuick)
	b := Fingerprint("compare postgres and mysql", models.ModeQuick)

	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestFingerprint_ModeChangesKey(t *testing.T) {
	quick := Fingerprint("compare postgres and mysql", models.ModeQuick)
	deep := Fingerprint("compare postgres and mysql", models.ModeDeep)

	assert.NotEqual(t, quick, deep)
}

func TestFingerprint_QueryChangesKey(t *testing.T) {
	a := Fingerprint("query one", models.ModeStandard)
	b := Fingerprint("query two", models.ModeStandard)

	assert.NotEqual(t, a, b)
}

func TestCache_SetAndGet(t *testing.T) {
	c := New()

	c.Set("what is raft", models.ModeQuick, sampleResult("sess-1"))

	result, ok := c.Get("what is raft", models.ModeQuick)
	assert.True(t, ok)
	assert.Equal(t, "sess-1", result.SessionID)
	assert.Equal(t, "# Findings", result.Report)
	assert.Len(t, result.Citations, 1)
}

func TestCache_Miss(t *testing.T) {
	c := New()

	result, ok := c.Get("never stored", models.ModeQuick)
	assert.False(t, ok)
	assert.Equal(t, models.ResearchResult{}, result)
}

func TestCache_ModeIsolation(t *testing.T) {
	c := New()

	c.Set("what is raft", models.ModeQuick, sampleResult("quick-sess"))

	_, ok := c.Get("what is raft", models.ModeDeep)
	assert.False(t, ok)

	result, ok := c.Get("what is raft", models.ModeQuick)
	assert.True(t, ok)
	assert.Equal(t, "quick-sess", result.SessionID)
}

func TestCache_Expiry(t *testing.T) {
	c := New()
	c.Set("stale query", models.ModeQuick, sampleResult("sess-1"))

	// Force the entry past its deadline instead of waiting out the TTL.
	key := Fingerprint("stale query", models.ModeQuick)
	c.mu.Lock()
	c.entries[key].expiresAt = time.Now().Add(-time.Second)
	c.mu.Unlock()

	_, ok := c.Get("stale query", models.ModeQuick)
	assert.False(t, ok)

	// Lazy cleanup removed the entry.
	assert.Equal(t, 0, c.Len())
}

func TestCache_Overwrite(t *testing.T) {
	c := New()

	c.Set("query", models.ModeStandard, sampleResult("old"))
	c.Set("query", models.ModeStandard, sampleResult("new"))

	result, ok := c.Get("query", models.ModeStandard)
	assert.True(t, ok)
	assert.Equal(t, "new", result.SessionID)
	assert.Equal(t, 1, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	c := New()

	c.Set("fresh", models.ModeQuick, sampleResult("fresh-sess"))
	c.Set("stale one", models.ModeQuick, sampleResult("stale-1"))
	c.Set("stale two", models.ModeDeep, sampleResult("stale-2"))

	past := time.Now().Add(-time.Minute)
	c.mu.Lock()
	c.entries[Fingerprint("stale one", models.ModeQuick)].expiresAt = past
	c.entries[Fingerprint("stale two", models.ModeDeep)].expiresAt = past
	c.mu.Unlock()

	removed := c.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("fresh", models.ModeQuick)
	assert.True(t, ok)
}

func TestCache_SweepEmpty(t *testing.T) {
	c := New()
	assert.Equal(t, 0, c.Sweep())
}

func TestTTLForMode(t *testing.T) {
	assert.Equal(t, 15*time.Minute, TTLForMode(models.ModeQuick))
	assert.Equal(t, 20*time.Minute, TTLForMode(models.ModeStandard))
	assert.Equal(t, 30*time.Minute, TTLForMode(models.ModeDeep))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.Set(fmt.Sprintf("query-%d", n%10), models.ModeQuick, sampleResult("sess"))
		}(i)
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.Get(fmt.Sprintf("query-%d", n%10), models.ModeQuick)
		}(i)
	}

	wg.Wait()

	result, ok := c.Get("query-0", models.ModeQuick)
	assert.True(t, ok)
	assert.Equal(t, "sess", result.SessionID)
}
