// ABOUTME: Tests for the start-request dedupe cache
// ABOUTME: Validates claims, TTL expiration, size limits, sweeping, and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCache_LookupMissing(t *testing.T) {
	cache := New(5*time.Minute, 100, clock.Fake(epoch))
	defer cache.Close()

	_, ok := cache.Lookup("never-seen")
	assert.False(t, ok)
}

func TestCache_ClaimStoresFirstValue(t *testing.T) {
	cache := New(5*time.Minute, 100, clock.Fake(epoch))
	defer cache.Close()

	got, existing := cache.Claim("corr-1", "conv-a")
	assert.False(t, existing)
	assert.Equal(t, "conv-a", got)

	// A retry with the same token gets the original conversation back
	got, existing = cache.Claim("corr-1", "conv-b")
	assert.True(t, existing)
	assert.Equal(t, "conv-a", got)

	value, ok := cache.Lookup("corr-1")
	require.True(t, ok)
	assert.Equal(t, "conv-a", value)
}

func TestCache_Expiry(t *testing.T) {
	clk := clock.Fake(epoch)
	cache := New(time.Minute, 100, clk)
	defer cache.Close()

	cache.Claim("corr-1", "conv-a")
	clk.Advance(59 * time.Second)
	_, ok := cache.Lookup("corr-1")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = cache.Lookup("corr-1")
	assert.False(t, ok, "entry should expire at the TTL")

	// An expired key can be claimed again
	got, existing := cache.Claim("corr-1", "conv-b")
	assert.False(t, existing)
	assert.Equal(t, "conv-b", got)
}

func TestCache_Forget(t *testing.T) {
	cache := New(time.Minute, 100, clock.Fake(epoch))
	defer cache.Close()

	cache.Claim("corr-1", "conv-a")
	cache.Forget("corr-1")
	cache.Forget("corr-1")

	_, ok := cache.Lookup("corr-1")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(time.Hour, 3, clock.Fake(epoch))
	defer cache.Close()

	for i := range 4 {
		cache.Claim(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	assert.Equal(t, 3, cache.Len())
	_, ok := cache.Lookup("k0")
	assert.False(t, ok, "oldest key should be evicted")
	for _, k := range []string{"k1", "k2", "k3"} {
		_, ok := cache.Lookup(k)
		assert.True(t, ok, k)
	}
}

func TestCache_BackgroundSweep(t *testing.T) {
	clk := clock.Fake(epoch)
	cache := New(30*time.Second, 100, clk)
	defer cache.Close()

	cache.Claim("corr-1", "conv-a")
	clk.WaitForWaiters(1)
	clk.Advance(sweepInterval)

	assert.Eventually(t, func() bool { return cache.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_CloseIdempotent(t *testing.T) {
	cache := New(time.Minute, 10, nil)
	cache.Close()
	cache.Close()
}

func TestCache_ConcurrentClaimsAgree(t *testing.T) {
	cache := New(time.Minute, 100, clock.Fake(epoch))
	defer cache.Close()

	const workers = 32
	results := make([]string, workers)
	var winners int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, existing := cache.Claim("corr", fmt.Sprintf("conv-%d", i))
			results[i] = got
			if !existing {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}
