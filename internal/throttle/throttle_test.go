package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// withClock installs a controllable clock on a Throttler for tests.
func withClock(t *Throttler) *time.Time {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	t.now = func() time.Time { return now }
	return &now
}

func TestShouldNotifyFirstCallPasses(t *testing.T) {
	th := New()
	assert.True(t, th.ShouldNotify(EventProfileFailure, "P-0001", 5*time.Minute))
	assert.False(t, th.ShouldNotify(EventProfileFailure, "P-0001", 5*time.Minute))
}

func TestShouldNotifyAfterCooldown(t *testing.T) {
	th := New()
	now := withClock(th)

	assert.True(t, th.ShouldNotify(EventJobFailure, "j1", 5*time.Minute))
	*now = now.Add(4 * time.Minute)
	assert.False(t, th.ShouldNotify(EventJobFailure, "j1", 5*time.Minute))
	*now = now.Add(2 * time.Minute)
	assert.True(t, th.ShouldNotify(EventJobFailure, "j1", 5*time.Minute))
}

func TestKeysAreIndependent(t *testing.T) {
	th := New()
	assert.True(t, th.ShouldNotify(EventProfileFailure, "a", time.Hour))
	assert.True(t, th.ShouldNotify(EventProfileFailure, "b", time.Hour))
	assert.True(t, th.ShouldNotify(EventProfileSuccess, "a", time.Hour), "same key, different event kind")
}

func TestZeroCooldownNeverThrottles(t *testing.T) {
	th := New()
	for i := 0; i < 10; i++ {
		assert.True(t, th.ShouldNotify(EventWebhookCreated, "w", 0))
	}
	assert.Equal(t, 0, th.Len())
}

func TestAtMostOneWinnerPerWindow(t *testing.T) {
	th := New()

	var wg sync.WaitGroup
	wins := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.ShouldNotify(EventProfileFailure, "race", time.Hour) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestGC(t *testing.T) {
	th := New()
	now := withClock(th)

	th.ShouldNotify(EventProfileFailure, "old", time.Minute)
	*now = now.Add(25 * time.Hour)
	th.ShouldNotify(EventProfileFailure, "fresh", time.Minute)

	evicted := th.GC(GCMaxAge)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, th.Len())
}

func TestDefaultCooldowns(t *testing.T) {
	assert.Equal(t, 5*time.Minute, DefaultCooldown(EventProfileFailure))
	assert.Equal(t, 30*time.Minute, DefaultCooldown(EventProfileSuccess))
	assert.Equal(t, 5*time.Minute, DefaultCooldown(EventJobFailure))
	assert.Equal(t, 30*time.Minute, DefaultCooldown(EventJobSuccess))
	assert.Equal(t, time.Hour, DefaultCooldown(EventDatabaseSize))
	assert.Equal(t, time.Duration(0), DefaultCooldown(EventUserCreated))
}
